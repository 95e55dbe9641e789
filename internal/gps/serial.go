package gps

import (
	"fmt"
	"io"

	"github.com/jacobsa/go-serial/serial"
	"github.com/sirupsen/logrus"
)

var supportedBauds = []int{4800, 9600, 19200, 38400, 57600, 115200}

func validBaud(baud int) bool {
	for _, b := range supportedBauds {
		if b == baud {
			return true
		}
	}
	return false
}

// openSerial opens device as a raw 8N1 port. On platforms that support it the
// port is then claimed exclusively and stale input is discarded; failing to
// do so is logged and not fatal.
func openSerial(device string, baud int, log logrus.FieldLogger) (io.ReadWriteCloser, error) {
	if !validBaud(baud) {
		return nil, fmt.Errorf("gps: unsupported baud %d", baud)
	}
	port, err := serial.Open(serial.OpenOptions{
		PortName:        device,
		BaudRate:        uint(baud),
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      serial.PARITY_NONE,
	})
	if err != nil {
		return nil, err
	}
	if err := claimPort(port); err != nil {
		log.WithError(err).WithField("device", device).Warn("gps serial port not claimed")
	}
	return port, nil
}
