// Copyright (c) 2020–2024 The daqrig developers. All rights reserved.
// Project site: https://github.com/bapsf/daqrig
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package find locates USB serial adapters by their USB descriptors, so
// motor drives can be configured by adapter serial number instead of a
// tty name that changes between boots.
package find

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

type FilterFn func(*Usbtty) bool

func FTDIFilter(ut *Usbtty) bool {
	return ut.IDv == "0403"
}

func ProlificFilter(ut *Usbtty) bool {
	return ut.IDv == "067b"
}

func SerialFilter(s string) func(ut *Usbtty) bool {
	return func(ut *Usbtty) bool { return ut.Serial == s }
}

// Finder searches a sysfs tree. The zero value searches /sys.
type Finder struct {
	Root   string
	Logger zerolog.Logger
}

func (f Finder) root() string {
	if f.Root == "" {
		return "/sys"
	}
	return f.Root
}

// Find searches for a usb serial device. If filter is not nil,
// it is used to narrow choices down. The first device for which
// it returns true (if any) is chosen.
func (f Finder) Find(filter FilterFn) (string, error) {
	ttys, err := f.AllUsbTtys()
	if err != nil {
		return "", err
	}
	if filter != nil {
		var match []Usbtty
		for i := range ttys {
			if filter(&ttys[i]) {
				match = []Usbtty{ttys[i]}
				break
			}
		}
		ttys = match
	}

	if len(ttys) == 0 {
		return "", fmt.Errorf("no matching ttys found")
	}
	if len(ttys) == 1 {
		return ttys[0].Dev, nil
	}
	return "", fmt.Errorf("multiple ttys:\n%s", Usbttys(ttys))
}

// Resolve turns a port setting into a device path. "usb:<serial>" selects
// the adapter with that USB serial number; anything else is returned as is.
func (f Finder) Resolve(port string) (string, error) {
	serial, ok := strings.CutPrefix(port, "usb:")
	if !ok {
		return port, nil
	}
	dev, err := f.Find(SerialFilter(serial))
	if err != nil {
		return "", fmt.Errorf("usb serial %s: %w", serial, err)
	}
	return "/dev/" + dev, nil
}

type Usbtty struct {
	Dev, Path string
	IDp, IDv  string
	Mfg, Prod string
	Serial    string
}

func (u Usbtty) String() string {
	return fmt.Sprintf("dev %s path %s pid/vid %s/%s mfg/prod %s/%s serial %s", u.Dev, u.Path, u.IDp, u.IDv, u.Mfg, u.Prod, u.Serial)
}

type Usbttys []Usbtty

func (uts Usbttys) String() string {
	s := make([]string, 0, len(uts))
	for _, ut := range uts {
		s = append(s, ut.String())
	}
	return strings.Join(s, "\n")
}

// AllUsbTtys finds ttys on usb devices, by looking at <root>/class/tty
// and the device directories its entries link to.
func (f Finder) AllUsbTtys() (Usbttys, error) {
	var devs []Usbtty
	sct := filepath.Join(f.root(), "class", "tty")
	entries, err := os.ReadDir(sct)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Type()&fs.ModeSymlink == 0 {
			// just in case there's anything in the dir that isn't a symlink
			continue
		}
		// we have a symlink like
		// /sys/class/tty/ttyUSB0 ->
		// /sys/devices/pci0000:00/0000:00:14.0/usb1/1-2/1-2:1.0/ttyUSB0/tty/ttyUSB0
		path := filepath.Join(sct, e.Name())
		abs, err := filepath.EvalSymlinks(path)
		if err != nil {
			f.Logger.Debug().Err(err).Str("path", path).Msg("skipping unresolvable symlink")
			continue
		}
		if !strings.Contains(abs, "usb") {
			continue
		}
		dev, err := filepath.EvalSymlinks(filepath.Join(abs, "device"))
		if err != nil {
			f.Logger.Debug().Err(err).Str("path", abs).Msg("usb tty without device dir")
			continue
		}
		// device points at the interface; the descriptors live one
		// level up, or two for usb-serial adapters
		// (.../1-2/1-2:1.0/ttyUSB0)
		usbdev := filepath.Dir(dev)
		if _, err := os.Stat(filepath.Join(usbdev, "idVendor")); err != nil {
			usbdev = filepath.Dir(usbdev)
		}
		idP, idV, mfg, prod, serial, err := readUsbInfo(usbdev)
		if err != nil {
			f.Logger.Debug().Err(err).Str("path", abs).Msg("reading usb descriptors")
		}
		devs = append(devs, Usbtty{
			Dev:    e.Name(),
			Path:   abs,
			IDp:    idP,
			IDv:    idV,
			Mfg:    mfg,
			Prod:   prod,
			Serial: serial,
		})
	}
	return devs, nil
}

// reads prod and vendor ids, and mfg/product/serial strings
//
// returns last error encountered, ignoring os.ErrNotExist.
// errors do not prevent reading additional files or returning data collected.
func readUsbInfo(dev string) (idp, idv, mfg, prod, serial string, err error) {
	read := func(name string) string {
		b, rerr := os.ReadFile(filepath.Join(dev, name))
		if rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = rerr
		}
		return strings.TrimSpace(string(b))
	}
	idp = read("idProduct")
	idv = read("idVendor")
	mfg = read("manufacturer")
	prod = read("product")
	serial = read("serial")
	return idp, idv, mfg, prod, serial, err
}
