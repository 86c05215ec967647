// Package tty provides the kernel console: a terminal on top of a serial
// transmitter.
package tty

const tabWidth = 4

// Port is a serial transmitter.
type Port interface {
	WriteByte(c byte) error
}

// Serial implements a simple terminal that can process LF, CR, TAB and BS
// characters. Lines longer than the terminal width are wrapped.
type Serial struct {
	port  Port
	width uint16
	col   uint16
}

// NewSerial returns a terminal writing to port. A zero width disables line
// wrapping.
func NewSerial(port Port, width uint16) *Serial {
	return &Serial{port: port, width: width}
}

// Column returns the current cursor column.
func (t *Serial) Column() uint16 { return t.col }

// Write implements io.Writer.
func (t *Serial) Write(data []byte) (int, error) {
	for i, b := range data {
		if err := t.WriteByte(b); err != nil {
			return i, err
		}
	}
	return len(data), nil
}

// WriteByte implements io.ByteWriter.
func (t *Serial) WriteByte(b byte) error {
	switch b {
	case '\r':
		t.col = 0
		return t.port.WriteByte('\r')
	case '\n':
		return t.newline()
	case '\t':
		for n := tabWidth - t.col%tabWidth; n > 0; n-- {
			if err := t.WriteByte(' '); err != nil {
				return err
			}
		}
		return nil
	case '\b':
		if t.col == 0 {
			return nil
		}
		t.col--
		return t.puts("\b \b")
	default:
		if t.width != 0 && t.col == t.width {
			if err := t.newline(); err != nil {
				return err
			}
		}
		t.col++
		return t.port.WriteByte(b)
	}
}

func (t *Serial) newline() error {
	t.col = 0
	return t.puts("\r\n")
}

func (t *Serial) puts(s string) error {
	for i := 0; i < len(s); i++ {
		if err := t.port.WriteByte(s[i]); err != nil {
			return err
		}
	}
	return nil
}
