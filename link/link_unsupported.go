//go:build !linux

package link

import "fmt"

type TunLink struct{}

func NewTunLink(name string, mtu int) (*TunLink, error) {
	return nil, fmt.Errorf("TUN links are only supported on linux")
}

func (t *TunLink) ReadFrame(buffer []byte) (int, error) { return 0, fmt.Errorf("unsupported") }
func (t *TunLink) WriteFrame(frame []byte) error        { return fmt.Errorf("unsupported") }
func (t *TunLink) MTU() int                             { return 0 }
func (t *TunLink) SharesHostStack() bool                { return false }
func (t *TunLink) Close() error                         { return nil }

type RawIPLink struct{}

func NewRawIPLink(localIP string, mtu int) (*RawIPLink, error) {
	return nil, fmt.Errorf("raw IP links are only supported on linux")
}

func (r *RawIPLink) ReadFrame(buffer []byte) (int, error) { return 0, fmt.Errorf("unsupported") }
func (r *RawIPLink) WriteFrame(frame []byte) error        { return fmt.Errorf("unsupported") }
func (r *RawIPLink) MTU() int                             { return 0 }
func (r *RawIPLink) SharesHostStack() bool                { return true }
func (r *RawIPLink) Close() error                         { return nil }
