// Package cavro drives Tecan Cavro XCalibur (XL3000) syringe pumps.
//
// Commands are accumulated in a Chain and transmitted as a single command
// string. While commands are queued, the chain simulates the pump state they
// will produce (plunger position, valve port and speed profile) and adds up an
// estimate of the execution time. Per-command validation runs against the
// simulated state, so a chain either queues a command completely or leaves the
// chain unmodified.
//
// A Pump owns the chain and the confirmed state, the state last known to be
// true on the device. Executing a chain transmits it, then moves the
// simulated state into the confirmed state, re-reading speeds from the device
// when a speed setting was part of the chain.
//
// Errors reported in the pump status byte are returned as *ProtocolError.
// The codes Device Not Initialized, Plunger Overload and Valve Overload are
// recovered automatically: the pending chain is discarded, the pump is
// reinitialized and the last raw command is resent once. Errors raised while
// recovering are never recovered again.
//
// Basic usage:
//
//	tr, err := transport.OpenSerial("/dev/ttyUSB0", transport.WithAddress(0))
//	if err != nil {
//		return err
//	}
//	defer tr.Close()
//
//	cfg, err := cavro.NewPumpConfig(cavro.WithSyringeVolume(1000))
//	if err != nil {
//		return err
//	}
//	pump, err := cavro.NewPump(tr, cfg)
//	if err != nil {
//		return err
//	}
//	if err := pump.Open(ctx); err != nil {
//		return err
//	}
//	if err := pump.Init(ctx, -1, 0); err != nil {
//		return err
//	}
//
//	_, err = pump.Do(ctx, true, func(c *cavro.Chain) error {
//		if err := c.ChangePort(2); err != nil {
//			return err
//		}
//		return c.MovePlungerAbs(cfg.VolumeToSteps(250, true))
//	})
package cavro
