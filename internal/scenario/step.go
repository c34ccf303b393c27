package scenario

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"i2cmaster-go/i2cm"
)

type stepKind uint8

const (
	stepTransfer stepKind = iota
	stepWait
	stepStall
	stepUnstall
)

// step is one parsed command.
type step struct {
	kind  stepKind
	queue bool
	addr  uint8
	w     []byte
	nRecv int
	ops   i2cm.Op
}

var opNames = map[string]i2cm.Op{
	"start":    i2cm.OpStart,
	"stop":     i2cm.OpStop,
	"restart":  i2cm.OpRestart,
	"tx":       i2cm.OpTransmit,
	"transmit": i2cm.OpTransmit,
	"rx":       i2cm.OpReceive,
	"receive":  i2cm.OpReceive,
	"ack":      i2cm.OpAck,
}

func parseStep(line string) (step, error) {
	args, err := shlex.Split(line)
	if err != nil {
		return step{}, fmt.Errorf("%q: %w", line, err)
	}
	if len(args) == 0 {
		return step{}, fmt.Errorf("empty step")
	}
	var st step
	if args[0] == "queue" {
		st.queue = true
		args = args[1:]
		if len(args) == 0 {
			return step{}, fmt.Errorf("queue: missing transfer")
		}
	}

	switch cmd := args[0]; cmd {
	case "write":
		if len(args) < 2 {
			return step{}, fmt.Errorf("write: missing address")
		}
		if st.addr, err = parseAddr(args[1]); err != nil {
			return step{}, err
		}
		rest := args[2:]
		for len(rest) > 0 && rest[0] != "read" {
			b, err := parseByte(rest[0])
			if err != nil {
				return step{}, fmt.Errorf("write: %w", err)
			}
			st.w = append(st.w, b)
			rest = rest[1:]
		}
		if len(rest) > 0 {
			if len(rest) != 2 {
				return step{}, fmt.Errorf("write: read needs exactly one count")
			}
			if st.nRecv, err = parseCount(rest[1]); err != nil {
				return step{}, err
			}
		}
	case "read":
		if len(args) != 3 {
			return step{}, fmt.Errorf("read: want 'read ADDR N'")
		}
		if st.addr, err = parseAddr(args[1]); err != nil {
			return step{}, err
		}
		if st.nRecv, err = parseCount(args[2]); err != nil {
			return step{}, err
		}
	case "probe":
		if len(args) != 2 {
			return step{}, fmt.Errorf("probe: want 'probe ADDR'")
		}
		if st.addr, err = parseAddr(args[1]); err != nil {
			return step{}, err
		}
	case "wait", "stall", "unstall":
		if st.queue {
			return step{}, fmt.Errorf("queue: %s is not a transfer", cmd)
		}
		switch cmd {
		case "wait":
			st.kind = stepWait
		case "unstall":
			st.kind = stepUnstall
		default:
			st.kind = stepStall
			if len(args) < 2 {
				return step{}, fmt.Errorf("stall: missing operations")
			}
			for _, a := range args[1:] {
				for _, name := range strings.Split(a, ",") {
					op, ok := opNames[strings.ToLower(strings.TrimSpace(name))]
					if !ok {
						return step{}, fmt.Errorf("stall: unknown operation %q", name)
					}
					st.ops |= op
				}
			}
			return st, nil
		}
		if len(args) != 1 {
			return step{}, fmt.Errorf("%s takes no arguments", cmd)
		}
	default:
		return step{}, fmt.Errorf("unknown command %q", cmd)
	}
	return st, nil
}

func parseAddr(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil || v > 0x7F {
		return 0, fmt.Errorf("bad 7-bit address %q", s)
	}
	return uint8(v), nil
}

// parseByte accepts 0x-prefixed values, bare two-digit hex ("AA", "10")
// and decimal.
func parseByte(s string) (byte, error) {
	base := 10
	switch {
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		base = 0
	case len(s) == 2:
		base = 16
	}
	v, err := strconv.ParseUint(s, base, 8)
	if err != nil {
		return 0, fmt.Errorf("bad byte %q", s)
	}
	return byte(v), nil
}

func parseCount(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > 4096 {
		return 0, fmt.Errorf("bad byte count %q", s)
	}
	return n, nil
}
