package protocol

import "strings"

// ChipType identifies the HID bridge behind the serial port.
type ChipType int

const (
	ChipUnknown ChipType = iota
	ChipCH9329
	ChipCH32V208
)

// USB identifiers of the supported bridges.
const (
	VendorWCH      = "1A86"
	ProductCH9329  = "7523"
	ProductCH32208 = "FE0C"
)

func (c ChipType) String() string {
	switch c {
	case ChipCH9329:
		return "CH9329"
	case ChipCH32V208:
		return "CH32V208"
	}
	return "unknown"
}

// ChipFromUSB maps a USB VID/PID pair (hex, any case) to a chip type.
func ChipFromUSB(vid, pid string) ChipType {
	if !strings.EqualFold(vid, VendorWCH) {
		return ChipUnknown
	}
	switch strings.ToUpper(pid) {
	case ProductCH9329:
		return ChipCH9329
	case ProductCH32208:
		return ChipCH32V208
	}
	return ChipUnknown
}
