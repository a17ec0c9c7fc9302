package transport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// serialReadTimeout bounds each port read so the DT reader can check its deadline.
const serialReadTimeout = 50 * time.Millisecond

// OpenSerial opens a serial port at 8N1 and returns a DT transport on it.
func OpenSerial(portName string, opts ...Option) (*DTConn, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: cfg.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to open %s: %w", portName, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("transport: failed to set read timeout on %s: %w", portName, err)
	}
	_ = port.ResetInputBuffer()

	cfg.logger.Info("transport: serial port opened",
		"port", portName, "baud", cfg.baudRate, "address", cfg.address)

	return NewDTConn(port, cfg), nil
}

// ListPorts returns the serial ports present on the system.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("transport: list serial ports: %w", err)
	}

	return ports, nil
}
