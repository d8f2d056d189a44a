//go:build !linux

package transport

const noCTTY = 0

// configureLine only validates the rate; raw mode is all other platforms get.
func configureLine(fd, baud int) error {
	switch baud {
	case 9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600:
		return nil
	}
	return ErrUnsupportedBaud
}
