package sgio

import (
	"fmt"
	"strings"
)

const (
	inqReplyLen    = 36
	rcap10ReplyLen = 8
	rcap16ReplyLen = 32
)

// InquiryInfo carries the identification pieces of a standard INQUIRY
// response that the session driver cares about.
type InquiryInfo struct {
	PDT      int // peripheral device type
	Vendor   string
	Product  string
	Revision string
}

func (i InquiryInfo) String() string {
	return fmt.Sprintf("%-8s  %-16s  %-4s  [pdt=%d]", i.Vendor, i.Product, i.Revision, i.PDT)
}

// Inquiry issues a standard INQUIRY and returns the peripheral device
// type and identification strings.
func (d *Device) Inquiry() (InquiryInfo, error) {
	var info InquiryInfo
	data := make([]byte, inqReplyLen)
	cdb := []byte{opInquiry, 0, 0, 0, inqReplyLen, 0}

	res, err := d.Submit(&Command{CDB: cdb, Dir: DxferFromDev, Buf: data})
	if err != nil {
		return info, err
	}
	if cat := res.Category(); cat != CatClean && cat != CatRecovered {
		return info, fmt.Errorf("INQUIRY on %s: %s", d.Name, cat)
	}
	info.PDT = int(data[0] & 0x1f)
	info.Vendor = parseInquiryString(data[8:16])
	info.Product = parseInquiryString(data[16:32])
	info.Revision = parseInquiryString(data[32:36])
	return info, nil
}

func parseInquiryString(b []byte) string {
	s := strings.TrimRight(string(b), " \x00")
	return strings.Map(func(r rune) rune {
		if r < ' ' || r > '~' {
			return '.'
		}
		return r
	}, s)
}

// ReadCapacity queries the device's total block count and block size.
// READ CAPACITY(10) is issued first; a saturated 32-bit last-LBA field
// escalates to READ CAPACITY(16). The outcome category lets the caller
// retry once on unit attention or aborted command.
func (d *Device) ReadCapacity() (numSect int64, sectSz int, out Outcome) {
	data := make([]byte, rcap10ReplyLen)
	cdb := make([]byte, 10)
	cdb[0] = opReadCap10

	res, err := d.Submit(&Command{CDB: cdb, Dir: DxferFromDev, Buf: data})
	if err != nil {
		return 0, 0, errOutcome(err)
	}
	if cat := res.Category(); cat != CatClean && cat != CatRecovered {
		return 0, 0, Outcome{Cat: cat}
	}

	if data[0] == 0xff && data[1] == 0xff && data[2] == 0xff && data[3] == 0xff {
		return d.readCapacity16()
	}
	conv := dataToInt{buf: data, offset: 0, count: 4}
	lastLBA := conv.getInt64()
	conv.setOffsetCount(4, 4)
	// Take care not to sign extend values above 0x7fffffff.
	return lastLBA + 1, conv.getInt(), Outcome{Cat: CatClean}
}

func (d *Device) readCapacity16() (int64, int, Outcome) {
	data := make([]byte, rcap16ReplyLen)
	cdb := make([]byte, 16)
	cdb[0] = opReadCap16
	cdb[1] = 0x10 // service action: READ CAPACITY(16)
	cdb[13] = rcap16ReplyLen

	res, err := d.Submit(&Command{CDB: cdb, Dir: DxferFromDev, Buf: data})
	if err != nil {
		return 0, 0, errOutcome(err)
	}
	if cat := res.Category(); cat != CatClean && cat != CatRecovered {
		return 0, 0, Outcome{Cat: cat}
	}
	conv := dataToInt{buf: data, offset: 0, count: 8}
	lastLBA := conv.getInt64()
	conv.setOffsetCount(8, 4)
	return lastLBA + 1, conv.getInt(), Outcome{Cat: CatClean}
}

func errOutcome(err error) Outcome {
	if err == ErrNoMem {
		return Outcome{Cat: CatNoMem, Err: err}
	}
	return Outcome{Cat: CatOther, Err: err}
}
