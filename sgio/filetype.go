package sgio

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// FileType is a bitmask classifying a device node.
type FileType int

const (
	FTOther   FileType = 1 << iota // probably a normal file
	FTSG                           // sg char device or bsg node
	FTRaw                          // raw char device
	FTDevNull                      // /dev/null or "."
	FTST                           // SCSI tape char device
	FTBlock                        // block device
	FTFifo                         // fifo (named pipe)
	FTError                        // couldn't stat the file
)

// Character/block device majors from linux/major.h.
const (
	memMajor         = 1
	scsiTapeMajor    = 9
	scsiGenericMajor = 21
	rawMajor         = 162

	devNullMinor = 3
)

var bsgMajorOnce sync.Once
var bsgMajor uint32

// findBsgMajor scans /proc/devices for the dynamically assigned bsg
// character major, mirroring what sg utilities do.
func findBsgMajor() {
	f, err := os.Open("/proc/devices")
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	inChar := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "Character") {
			inChar = true
			continue
		}
		if line == "" || strings.HasPrefix(line, "Block") {
			inChar = false
			continue
		}
		if !inChar {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[1] == "bsg" {
			if n, err := strconv.Atoi(fields[0]); err == nil {
				bsgMajor = uint32(n)
			}
			return
		}
	}
}

// Filetype classifies a path the way dd-style tools do before deciding
// whether the SG_IO path applies.
func Filetype(name string) FileType {
	if name == "." {
		return FTDevNull
	}
	var st unix.Stat_t
	if err := unix.Stat(name, &st); err != nil {
		return FTError
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFCHR:
		major := unix.Major(uint64(st.Rdev))
		minor := unix.Minor(uint64(st.Rdev))
		if major == memMajor && minor == devNullMinor {
			return FTDevNull
		}
		switch major {
		case rawMajor:
			return FTRaw
		case scsiGenericMajor:
			return FTSG
		case scsiTapeMajor:
			return FTST
		}
		bsgMajorOnce.Do(findBsgMajor)
		if bsgMajor != 0 && major == bsgMajor {
			return FTSG
		}
	case unix.S_IFBLK:
		return FTBlock
	case unix.S_IFIFO:
		return FTFifo
	}
	return FTOther
}

func (ft FileType) String() string {
	var parts []string
	if ft&FTDevNull != 0 {
		parts = append(parts, "null device")
	}
	if ft&FTSG != 0 {
		parts = append(parts, "SCSI generic (sg) device")
	}
	if ft&FTBlock != 0 {
		parts = append(parts, "block device")
	}
	if ft&FTFifo != 0 {
		parts = append(parts, "fifo (named pipe)")
	}
	if ft&FTST != 0 {
		parts = append(parts, "SCSI tape device")
	}
	if ft&FTRaw != 0 {
		parts = append(parts, "raw device")
	}
	if ft&FTOther != 0 {
		parts = append(parts, "other (perhaps ordinary file)")
	}
	if ft&FTError != 0 {
		parts = append(parts, "unable to 'stat' file")
	}
	return strings.Join(parts, " ")
}
