// Package sgio drives SCSI commands through the Linux SG_IO generic
// passthrough ioctl: CDB construction, command submission, sense data
// interpretation and device classification.
package sgio

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	sgIO              = 0x2285
	sgGetVersionNum   = 0x2282
	sgSetReservedSize = 0x2275
	sgGetReservedSize = 0x2272

	// Data transfer directions for sg_io_hdr.
	DxferNone    = -1
	DxferToDev   = -2
	DxferFromDev = -3

	sgFlagDirectIO     = 0x1
	sgInfoOKMask       = 0x1
	sgInfoOK           = 0x0
	sgInfoDirectIOMask = 0x6
	sgInfoDirectIO     = 0x2

	// SenseBuffLen is the sense buffer size handed to the driver.
	SenseBuffLen = 64

	// DefTimeout is the fixed per-command hardware timeout.
	DefTimeout = 60 * time.Second

	// MinReservedSize is the floor for the sg driver's reserved
	// buffer when a caller shrinks transfers after ENOMEM.
	MinReservedSize = 8192
)

// ErrNoMem is returned when the SG_IO submission itself fails with
// ENOMEM. Callers degrade the transfer size rather than retry.
var ErrNoMem = errors.New("sg device out of memory")

// sgIoHdr mirrors struct sg_io_hdr from <scsi/sg.h> on 64-bit Linux,
// including the 4 byte hole after pack_id.
type sgIoHdr struct {
	interfaceID    int32
	dxferDirection int32
	cmdLen         uint8
	mxSbLen        uint8
	iovecCount     uint16
	dxferLen       uint32
	dxferp         *byte
	cmdp           *byte
	sbp            *byte
	timeout        uint32
	flags          uint32
	packID         int32
	_              [4]byte
	usrPtr         *byte
	status         uint8
	maskedStatus   uint8
	msgStatus      uint8
	sbLenWr        uint8
	hostStatus     uint16
	driverStatus   uint16
	resid          int32
	duration       uint32
	info           uint32
}

// Command describes one SCSI command submission.
type Command struct {
	CDB      []byte
	Dir      int // Dxfer* direction
	Buf      []byte
	Timeout  time.Duration
	DirectIO bool
	PackID   int
}

// Result captures the completion of one SCSI command.
type Result struct {
	Status          uint8
	MaskedStatus    uint8
	HostStatus      uint16
	DriverStatus    uint16
	Sense           []byte
	Resid           int
	Duration        time.Duration
	Info            uint32
	DirectIOHonored bool
}

// Category folds status, host/driver status and sense data into the
// outcome taxonomy. Classification happens exactly once, here; the
// retry layers above never look at the raw bytes again.
func (r *Result) Category() Category {
	if r.Info&sgInfoOKMask == sgInfoOK {
		return CatClean
	}
	if len(r.Sense) > 0 {
		if h, ok := NormalizeSense(r.Sense); ok {
			if h.Key == KeyNoSense && h.ASC == 0 && h.ASCQ == 0 {
				return CatClean
			}
			return categorizeSense(h)
		}
	}
	if r.MaskedStatus == 0 && r.HostStatus == 0 && r.DriverStatus&0xf == 0 {
		return CatClean
	}
	return CatOther
}

// Device is an open descriptor to an SG_IO capable node.
type Device struct {
	Name string
	file *os.File
}

// Open opens the named device read-only and non-blocking.
func Open(name string) (*Device, error) {
	f, err := os.OpenFile(name, os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	return &Device{Name: name, file: f}, nil
}

// RequireV3 verifies the fd speaks the version 3 sg interface. Block
// device nodes answer SG_IO but not this ioctl, so callers only probe
// char sg nodes.
func (d *Device) RequireV3() error {
	var version int32
	if err := d.ioctl(sgGetVersionNum, unsafe.Pointer(&version)); err != nil {
		return fmt.Errorf("SG_GET_VERSION_NUM on %s: %w", d.Name, err)
	}
	if version < 30000 {
		return fmt.Errorf("sg driver prior to 3.x.y on %s", d.Name)
	}
	return nil
}

func (d *Device) Close() error {
	return d.file.Close()
}

// LockExclusive takes a non-blocking exclusive flock on the device.
func (d *Device) LockExclusive() error {
	return unix.Flock(int(d.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

// SetReservedSize asks the sg driver to reserve n bytes of kernel
// buffer for this fd. Best effort; failures are reported but harmless.
func (d *Device) SetReservedSize(n int) error {
	v := int32(n)
	return d.ioctl(sgSetReservedSize, unsafe.Pointer(&v))
}

// ReservedSize reports the sg driver's reserved buffer size, used to
// pick a smaller blocks-per-transfer after an ENOMEM submission.
func (d *Device) ReservedSize() (int, error) {
	var v int32
	if err := d.ioctl(sgGetReservedSize, unsafe.Pointer(&v)); err != nil {
		return 0, err
	}
	return int(v), nil
}

func (d *Device) ioctl(req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.file.Fd(), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Submit issues one SCSI command and blocks until completion. The
// syscall is re-issued on EINTR, EAGAIN and EBUSY; that loop is a
// signal handling nicety, not an error policy. ENOMEM surfaces as
// ErrNoMem so callers can shrink the transfer, any other errno is
// wrapped and returned as-is.
func (d *Device) Submit(cmd *Command) (*Result, error) {
	sense := make([]byte, SenseBuffLen)
	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = DefTimeout
	}
	hdr := sgIoHdr{
		interfaceID:    'S',
		dxferDirection: int32(cmd.Dir),
		cmdLen:         uint8(len(cmd.CDB)),
		mxSbLen:        SenseBuffLen,
		timeout:        uint32(timeout / time.Millisecond),
		packID:         int32(cmd.PackID),
		cmdp:           &cmd.CDB[0],
		sbp:            &sense[0],
	}
	if len(cmd.Buf) > 0 {
		hdr.dxferLen = uint32(len(cmd.Buf))
		hdr.dxferp = &cmd.Buf[0]
	}
	if cmd.DirectIO {
		hdr.flags |= sgFlagDirectIO
	}

	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.file.Fd(), sgIO,
			uintptr(unsafe.Pointer(&hdr)))
		if errno == 0 {
			break
		}
		if errno == unix.EINTR || errno == unix.EAGAIN || errno == unix.EBUSY {
			continue
		}
		if errno == unix.ENOMEM {
			return nil, ErrNoMem
		}
		return nil, fmt.Errorf("SG_IO on %s: %w", d.Name, errno)
	}
	runtime.KeepAlive(cmd.CDB)
	runtime.KeepAlive(cmd.Buf)
	runtime.KeepAlive(sense)

	res := &Result{
		Status:       hdr.status,
		MaskedStatus: hdr.maskedStatus,
		HostStatus:   hdr.hostStatus,
		DriverStatus: hdr.driverStatus,
		Sense:        sense[:hdr.sbLenWr],
		Resid:        int(hdr.resid),
		Duration:     time.Duration(hdr.duration) * time.Millisecond,
		Info:         hdr.info,
	}
	if cmd.DirectIO {
		res.DirectIOHonored = hdr.info&sgInfoDirectIOMask == sgInfoDirectIO
	}
	return res, nil
}
