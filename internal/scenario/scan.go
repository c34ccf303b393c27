package scenario

import (
	"log/slog"

	"i2cmaster-go/errcode"
	"i2cmaster-go/i2cm"
)

// Scan range: 0x00-0x07 and 0x78-0x7F are reserved addresses.
const (
	ScanFirst = 0x08
	ScanLast  = 0x77
)

// Scan probes every non-reserved address on the scenario's bus with
// address-only transfers and returns the ones that acknowledged. Steps are
// not run.
func Scan(s *Scenario, log *slog.Logger) ([]uint8, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	r := newRunner(s, log)
	devs := make([]*i2cm.Device, 0, ScanLast-ScanFirst+1)
	for a := uint8(ScanFirst); a <= ScanLast; a++ {
		t, err := r.target(a, 0, 0)
		if err != nil {
			return nil, err
		}
		devs = append(devs, t.dev)
	}

	var found []uint8
	for _, d := range devs {
		if err := r.mgr.BeginTransfer(d, 0, 0); err != nil {
			return nil, err
		}
		if err := r.settle(); err != nil {
			return nil, err
		}
		switch err := d.Err(); {
		case err == nil:
			found = append(found, d.Addr())
		case errcode.Of(err) != errcode.NACKAddress:
			r.log.Warn("probe failed", "addr", d.Addr(), "code", string(errcode.Of(err)))
		}
	}
	return found, nil
}
