package kio

// Term is the terminal line discipline over a raw device: it normalizes
// line endings in both directions and provides line editing for ReadLine.
//
// Input: any of \r\n, a lone \r, or a lone \n becomes a single \n.
// Output: a lone \r or lone \n is written as \r\n; \r\n passes through.
type Term struct {
	RefCount
	raw   Intf
	crIn  bool
	crOut bool
}

// NewTerm stacks a terminal on a raw IO interface.
func NewTerm(raw Intf) *Term {
	t := &Term{raw: raw}
	t.InitRef()
	return t
}

// Close implements Intf; closing the terminal closes the raw device.
func (t *Term) Close() {
	if t.Release() {
		t.raw.Close()
	}
}

// Read implements Intf with input CRLF normalization. It returns at least
// one byte: a buffer that normalizes to nothing is refilled.
func (t *Term) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for {
		cnt, err := t.raw.Read(p)
		if err != nil {
			return 0, err
		}
		if cnt == 0 {
			return 0, nil
		}

		// Rewrite the buffer in place; wp trails rp when bytes drop out.
		wp := 0
		for rp := 0; rp < cnt; rp++ {
			ch := p[rp]
			if t.crIn {
				switch ch {
				case '\r':
					p[wp] = '\n'
					wp++
				case '\n':
					t.crIn = false
				default:
					t.crIn = false
					p[wp] = ch
					wp++
				}
			} else {
				if ch == '\r' {
					t.crIn = true
					p[wp] = '\n'
					wp++
				} else {
					p[wp] = ch
					wp++
				}
			}
		}

		if wp > 0 {
			return wp, nil
		}
	}
}

// Write implements Intf with output CRLF normalization.
func (t *Term) Write(p []byte) (int, error) {
	acc := 0

	for _, ch := range p {
		switch ch {
		case '\r':
			if _, err := WriteFull(t.raw, []byte{'\r', '\n'}); err != nil {
				return acc, err
			}
			t.crOut = true
		case '\n':
			if t.crOut {
				// The \r\n pair was already emitted.
				t.crOut = false
			} else {
				if _, err := WriteFull(t.raw, []byte{'\r', '\n'}); err != nil {
					return acc, err
				}
			}
		default:
			t.crOut = false
			if _, err := WriteFull(t.raw, []byte{ch}); err != nil {
				return acc, err
			}
		}
		acc++
	}

	return acc, nil
}

// Ctl implements Intf. Seeking is unsupported: the discipline keeps state on
// the bytes already emitted.
func (t *Term) Ctl(cmd int, arg *uint64) error {
	if cmd == IoctlSetPos {
		return ErrUnsupported
	}
	return t.raw.Ctl(cmd, arg)
}

// ReadLine reads one edited line into buf with echo: backspace and delete
// erase, enter terminates. Returns the line without the newline.
func (t *Term) ReadLine(buf []byte) (string, error) {
	n := 0

	for {
		c, err := Getc(t)
		if err != nil {
			return "", err
		}

		switch c {
		case '\r', '\n':
			WriteFull(t.raw, []byte{'\r', '\n'})
			return string(buf[:n]), nil

		case '\b', 0x7f:
			if n > 0 {
				n--
				WriteFull(t.raw, []byte{'\b', ' ', '\b'})
			} else {
				Putc(t.raw, '\a')
			}

		default:
			if n < len(buf) {
				buf[n] = c
				n++
				Putc(t.raw, c)
			} else {
				Putc(t.raw, '\a')
			}
		}
	}
}

var _ Intf = (*Term)(nil)
