// Package tunif drives the local tun device: packets read from the kernel go
// onto the shared outgoing queue, packets the transports decapsulated are
// written back. The handler owns its own readiness decisions: it stops
// watching the read side while the outgoing queue is backed up, and watches
// the write side only while it has packets to deliver. That is why the
// mainloop must tick it after both transports.
package tunif

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/octungo/octun/mainloop"
	"github.com/octungo/octun/packet"
	"github.com/octungo/octun/poll"
)

const cloneDevicePath = "/dev/net/tun"

// Config describes the device to create.
type Config struct {
	// Name of the interface; empty lets the kernel pick (tun%d).
	Name string

	MTU int

	// Addr is assigned to the link when valid.
	Addr netip.Prefix

	// MaxQueued bounds the outgoing queue; past it the handler stops
	// reading from the kernel until the transports catch up.
	MaxQueued int

	// PcapPath, when set, captures tunnel traffic to a pcap file.
	PcapPath string
}

// Device implements mainloop.TunDevice over a Linux tun fd.
type Device struct {
	log  *mainloop.Logger
	cfg  Config
	fd   int
	name string

	out, in *packet.Queue

	pcap     *pcapgo.Writer
	pcapFile *os.File

	readBuf [packet.MaxPacketSize]byte
	dropped uint64
}

// Open creates and configures the tun device. out and in are the flow queues
// shared with the transports (out: kernel to tunnel, in: tunnel to kernel).
func Open(cfg Config, out, in *packet.Queue, log *mainloop.Logger) (*Device, error) {
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = 32
	}

	fd, err := unix.Open(cloneDevicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cloneDevicePath, err)
	}

	ifr, err := unix.NewIfreq(cfg.Name)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF: %w", err)
	}
	name := ifr.Name()

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}

	d := &Device{log: log, cfg: cfg, fd: fd, name: name, out: out, in: in}
	if err := d.configureLink(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if cfg.PcapPath != "" {
		if err := d.openPcap(cfg.PcapPath); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}
	log.Infof("Tunnel device %s is up", name)
	return d, nil
}

// configureLink brings the interface up with its address and MTU.
func (d *Device) configureLink() error {
	link, err := netlink.LinkByName(d.name)
	if err != nil {
		return fmt.Errorf("lookup link %s: %w", d.name, err)
	}
	if d.cfg.Addr.IsValid() {
		addr := &netlink.Addr{IPNet: &net.IPNet{
			IP:   d.cfg.Addr.Addr().AsSlice(),
			Mask: net.CIDRMask(d.cfg.Addr.Bits(), d.cfg.Addr.Addr().BitLen()),
		}}
		if err := netlink.AddrAdd(link, addr); err != nil {
			return fmt.Errorf("assign %s to %s: %w", d.cfg.Addr, d.name, err)
		}
	}
	if d.cfg.MTU > 0 {
		if err := netlink.LinkSetMTU(link, d.cfg.MTU); err != nil {
			return fmt.Errorf("set MTU on %s: %w", d.name, err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring up %s: %w", d.name, err)
	}
	return nil
}

func (d *Device) openPcap(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(packet.MaxPacketSize, layers.LinkTypeRaw); err != nil {
		f.Close()
		return err
	}
	d.pcap = w
	d.pcapFile = f
	return nil
}

func (d *Device) capture(b []byte) {
	if d.pcap == nil {
		return
	}
	d.pcap.WritePacket(gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(b),
		Length:        len(b),
	}, b)
}

// Name returns the kernel's name for the interface.
func (d *Device) Name() string { return d.name }

// Tick implements mainloop.Handler.
func (d *Device) Tick(in *poll.Interest, timeout *time.Duration) (int, error) {
	work := 0

	// Deliver decapsulated packets to the kernel.
	for {
		p := d.in.Peek()
		if p == nil {
			break
		}
		_, err := unix.Write(d.fd, p.Buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				break
			}
			return work, fmt.Errorf("tun write: %w", err)
		}
		d.capture(p.Buf)
		d.in.Pop().Release()
		work++
	}

	// Pull traffic from the kernel while the outgoing queue has room.
	buf := d.readBuf[:]
	for d.out.Len() < d.cfg.MaxQueued {
		n, err := unix.Read(d.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				break
			}
			return work, fmt.Errorf("tun read: %w", err)
		}
		if n == 0 {
			continue
		}
		if v := header.IPVersion(buf[:n]); v != header.IPv4Version && v != header.IPv6Version {
			d.log.Verbosef("Dropping non-IP frame (%d bytes) from %s", n, d.name)
			continue
		}
		d.capture(buf[:n])
		if err := d.out.PushNew(buf[:n]); err != nil {
			// Local recovery: the packet is dropped, the session
			// carries on.
			d.dropped++
			d.log.Verbosef("Outgoing queue full, dropped packet (%d total)", d.dropped)
			break
		}
		work++
	}

	// Readiness interest mirrors the queue depths for the next wait.
	if d.out.Len() < d.cfg.MaxQueued {
		in.Read(d.fd)
	}
	if d.in.Len() > 0 {
		in.Write(d.fd)
	}
	return work, nil
}

// Teardown implements mainloop.TunDevice. Closing the fd removes the
// interface; the capture file is flushed with it.
func (d *Device) Teardown() {
	d.log.Infof("Shutting down tunnel device %s", d.name)
	unix.Close(d.fd)
	if d.pcapFile != nil {
		d.pcapFile.Close()
		d.pcapFile = nil
		d.pcap = nil
	}
}
