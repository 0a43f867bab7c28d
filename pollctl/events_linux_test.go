//go:build linux
// +build linux

package pollctl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestEventPredicates(t *testing.T) {
	tests := []struct {
		name                       string
		events                     Events
		read, write, fail, hangup bool
	}{
		{"none", 0, false, false, false, false},
		{"in", unix.EPOLLIN, true, false, false, false},
		{"pri", unix.EPOLLPRI, true, false, false, false},
		{"rdnorm", unix.EPOLLRDNORM, true, false, false, false},
		{"out", unix.EPOLLOUT, false, true, false, false},
		{"wrband", unix.EPOLLWRBAND, false, true, false, false},
		{"err", unix.EPOLLERR, false, false, true, false},
		{"hup", unix.EPOLLHUP, false, false, false, true},
		{"rdhup", unix.EPOLLRDHUP, false, false, false, true},
		{"in out", unix.EPOLLIN | unix.EPOLLOUT, true, true, false, false},
		{"in rdhup", unix.EPOLLIN | unix.EPOLLRDHUP, true, false, false, true},
		{"undefined bits", 1 << 20, false, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.read, CanRead(tt.events))
			assert.Equal(t, tt.write, CanWrite(tt.events))
			assert.Equal(t, tt.fail, HasError(tt.events))
			assert.Equal(t, tt.hangup, HasHangup(tt.events))

			assert.Equal(t, tt.read, tt.events.CanRead())
			assert.Equal(t, tt.hangup, tt.events.HasHangup())
		})
	}
}

func TestEventsString(t *testing.T) {
	assert.Equal(t, "0", Events(0).String())
	assert.Equal(t, "IN|OUT", Events(unix.EPOLLIN|unix.EPOLLOUT).String())
	assert.Equal(t, "ERR|HUP", Events(unix.EPOLLERR|unix.EPOLLHUP).String())
}

func TestFdTypeString(t *testing.T) {
	assert.Equal(t, "READ_WRITE", TypeReadWrite.String())
	assert.Equal(t, "LISTEN", TypeListen.String())
	assert.Equal(t, "INVALID", TypeInvalid.String())
	assert.Equal(t, "INVALID", FdType(-1).String())
	assert.Equal(t, "INVALID", typeInvalidMax.String())
}

func TestInterestMask(t *testing.T) {
	assert.Zero(t, interest(TypeNone))
	assert.Zero(t, interest(TypeUnsupported))
	assert.False(t, CanRead(Events(interest(TypeWriteOnly))))
	assert.False(t, CanWrite(Events(interest(TypeReadOnly))))
	assert.True(t, CanRead(Events(interest(TypeReadWrite))))
	assert.True(t, CanWrite(Events(interest(TypeReadWrite))))
	assert.True(t, HasHangup(Events(interest(TypeConnected))))
	assert.False(t, CanRead(Events(interest(TypeConnected))))
}
