package serialport

import (
	serial "github.com/jacobsa/go-serial/serial"
)

// openJacobsa opens name with github.com/jacobsa/go-serial.
//
// The driver has no read deadline; MinimumReadSize 0 plus an
// inter-character timeout makes Read return once the line goes quiet.
// termios VTIME counts tenths of a second, so ReadTimeout is raised to
// at least 100 ms here. A timed-out read surfaces as (0, io.EOF), which
// readers treat as transient.
func openJacobsa(name string, opts Options) (Port, error) {
	if err := opts.Validate(); err != nil {
		return nil, &OpenError{Name: name, Driver: DriverJacobsa, Err: err}
	}

	parity := serial.PARITY_NONE
	switch opts.Parity {
	case ParityOdd:
		parity = serial.PARITY_ODD
	case ParityEven:
		parity = serial.PARITY_EVEN
	}

	timeoutMS := uint(opts.ReadTimeout.Milliseconds())
	if timeoutMS < 100 {
		timeoutMS = 100
	}

	serialOpts := serial.OpenOptions{
		PortName:              name,
		BaudRate:              uint(opts.Baud),
		DataBits:              uint(opts.DataBits),
		StopBits:              uint(opts.StopBits),
		ParityMode:            parity,
		RTSCTSFlowControl:     opts.FlowControl,
		InterCharacterTimeout: timeoutMS,
		MinimumReadSize:       0,
	}

	port, err := serial.Open(serialOpts)
	if err != nil {
		return nil, &OpenError{Name: name, Driver: DriverJacobsa, Err: err}
	}
	return port, nil
}
