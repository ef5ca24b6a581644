// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bedrock (https://bedrock-io.github.io/).
// Copyright 2018 Bedrock Authors.

//go:build linux

package mq

import (
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mqAttr mirrors the kernel's struct mq_attr.
type mqAttr struct {
	Flags   int64
	MaxMsg  int64
	MsgSize int64
	CurMsgs int64
	_       [4]int64
}

type queueHandle struct {
	fd      int
	msgSize int
}

func openQueue(name string, maxMessages, maxMessageSize int) (queueHandle, error) {
	namep, err := unix.BytePtrFromString(name)
	if err != nil {
		return queueHandle{}, err
	}
	attr := mqAttr{MaxMsg: int64(maxMessages), MsgSize: int64(maxMessageSize)}
	fd, _, errno := unix.Syscall6(
		unix.SYS_MQ_OPEN,
		uintptr(unsafe.Pointer(namep)),
		uintptr(unix.O_RDWR|unix.O_CREAT),
		uintptr(0644),
		uintptr(unsafe.Pointer(&attr)),
		0, 0,
	)
	if errno != 0 {
		return queueHandle{}, os.NewSyscallError("mq_open", errno)
	}
	// The queue may pre-exist with a larger message size; ask the kernel so
	// Get always offers a big enough buffer.
	var cur mqAttr
	_, _, errno = unix.Syscall(
		unix.SYS_MQ_GETSETATTR,
		fd,
		0,
		uintptr(unsafe.Pointer(&cur)),
	)
	if errno != 0 {
		unix.Close(int(fd))
		return queueHandle{}, os.NewSyscallError("mq_getsetattr", errno)
	}
	return queueHandle{fd: int(fd), msgSize: int(cur.MsgSize)}, nil
}

func unlinkQueue(name string) error {
	namep, err := unix.BytePtrFromString(name)
	if err != nil {
		return err
	}
	_, _, errno := unix.Syscall(unix.SYS_MQ_UNLINK, uintptr(unsafe.Pointer(namep)), 0, 0)
	if errno != 0 {
		return os.NewSyscallError("mq_unlink", errno)
	}
	return nil
}

// deadline converts the put/get timeout contract into the absolute
// CLOCK_REALTIME timespec the kernel expects. A nil result means block
// indefinitely.
func deadline(timeout time.Duration) *unix.Timespec {
	if timeout < 0 {
		return nil
	}
	ts := unix.NsecToTimespec(time.Now().Add(timeout).UnixNano())
	return &ts
}

func (h queueHandle) put(msg []byte, timeout time.Duration) error {
	ts := deadline(timeout)
	var p unsafe.Pointer
	if len(msg) > 0 {
		p = unsafe.Pointer(&msg[0])
	}
	for {
		_, _, errno := unix.Syscall6(
			unix.SYS_MQ_TIMEDSEND,
			uintptr(h.fd),
			uintptr(p),
			uintptr(len(msg)),
			0, // priority
			uintptr(unsafe.Pointer(ts)),
			0,
		)
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		case unix.ETIMEDOUT, unix.EAGAIN:
			return ErrTimedOut
		case unix.EMSGSIZE:
			return ErrMessageTooLarge
		default:
			return os.NewSyscallError("mq_timedsend", errno)
		}
	}
}

func (h queueHandle) get(timeout time.Duration) ([]byte, error) {
	ts := deadline(timeout)
	buf := make([]byte, h.msgSize)
	for {
		n, _, errno := unix.Syscall6(
			unix.SYS_MQ_TIMEDRECEIVE,
			uintptr(h.fd),
			uintptr(unsafe.Pointer(&buf[0])),
			uintptr(len(buf)),
			0, // priority out
			uintptr(unsafe.Pointer(ts)),
			0,
		)
		switch errno {
		case 0:
			return buf[:n:n], nil
		case unix.EINTR:
			continue
		case unix.ETIMEDOUT, unix.EAGAIN:
			return nil, ErrTimedOut
		default:
			return nil, os.NewSyscallError("mq_timedreceive", errno)
		}
	}
}

func (h queueHandle) close() error {
	return unix.Close(h.fd)
}
