package serialport

import (
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// openBugst opens name with go.bug.st/serial, which supports an exact
// read timeout. A timed-out read returns (0, nil).
func openBugst(name string, opts Options) (Port, error) {
	if err := opts.Validate(); err != nil {
		return nil, &OpenError{Name: name, Driver: DriverBugst, Err: err}
	}

	mode := &serial.Mode{
		BaudRate: opts.Baud,
		DataBits: opts.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	switch opts.Parity {
	case ParityOdd:
		mode.Parity = serial.OddParity
	case ParityEven:
		mode.Parity = serial.EvenParity
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, &OpenError{Name: name, Driver: DriverBugst, Err: err}
	}
	if opts.ReadTimeout > 0 {
		if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
			_ = port.Close()
			return nil, &OpenError{Name: name, Driver: DriverBugst, Err: err}
		}
	}
	return port, nil
}

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name         string `json:"name"`
	USB          bool   `json:"usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// List returns the serial ports present on the host.
func List() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			USB:          d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}
