package utils

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

type fakePort struct {
	mu       sync.Mutex
	written  bytes.Buffer
	frames   []string
	ack      []byte
	writeErr error
	closed   bool
	timeout  time.Duration
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.written.Write(b)
	p.frames = append(p.frames, string(b))
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := copy(b, p.ack)
	return n, nil
}

func (p *fakePort) Drain() error { return nil }

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.timeout = t
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) Frames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.frames...)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// portFarm hands out fake ports and records open attempts.
type portFarm struct {
	ports   []*fakePort
	opens   int
	failErr error
	mode    *serial.Mode
}

func (f *portFarm) open(name string, mode *serial.Mode) (serialPort, error) {
	f.opens++
	f.mode = mode
	if f.failErr != nil {
		return nil, f.failErr
	}
	p := &fakePort{ack: []byte("OK")}
	f.ports = append(f.ports, p)
	return p, nil
}

func (f *portFarm) last() *fakePort { return f.ports[len(f.ports)-1] }

func listOf(details ...*enumerator.PortDetails) portLister {
	return func() ([]*enumerator.PortDetails, error) { return details, nil }
}

func quietLogger() *Logger { return NewLogger(io.Discard, CRITICAL) }

func TestEncodeMotorCommand(t *testing.T) {
	got, err := EncodeMotorCommand(200, -150)
	if err != nil {
		t.Fatal(err)
	}
	if got != "%B,1700,1350%" {
		t.Errorf("EncodeMotorCommand(200,-150) = %q", got)
	}
	if got, _ := EncodeMotorCommand(-400, 400); got != "%B,1100,1900%" {
		t.Errorf("limits framed as %q", got)
	}
	if _, err := EncodeMotorCommand(401, 0); !errors.Is(err, ErrPowerOutOfRange) {
		t.Errorf("401 accepted: %v", err)
	}
}

func TestPadPowerHandlesShortValues(t *testing.T) {
	cases := map[int]string{7: "0007", 42: "0042", 999: "0999", 1500: "1500"}
	for in, want := range cases {
		if got := padPower(in); got != want {
			t.Errorf("padPower(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestMotorCommandRoundTrip(t *testing.T) {
	for r := -400; r <= 400; r += 37 {
		for l := -400; l <= 400; l += 53 {
			frame, err := EncodeMotorCommand(r, l)
			if err != nil {
				t.Fatal(err)
			}
			gr, gl, err := DecodeMotorCommand(frame)
			if err != nil {
				t.Fatalf("decode %q: %v", frame, err)
			}
			if gr != r || gl != l {
				t.Fatalf("%q decoded to (%d,%d), want (%d,%d)", frame, gr, gl, r, l)
			}
		}
	}
}

func TestDecodeMotorCommandRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "B,1500,1500%", "%B,1500,1500", "%B,1500%", "%B,150,1500%", "%B,2000,1500%", "%B,15x0,1500%"} {
		if _, _, err := DecodeMotorCommand(in); err == nil {
			t.Errorf("DecodeMotorCommand(%q) accepted", in)
		}
	}
}

func TestFindMotorPort(t *testing.T) {
	ports := []*enumerator.PortDetails{
		{Name: "/dev/ttyUSB0", Product: "USB-RS232 Cable"},
		{Name: "/dev/ttyUSB1", Product: "USB2.0-Serial"},
		{Name: "/dev/ttyACM0", Product: "Arduino Mega"},
	}
	name, err := FindMotorPort(ports, DefaultMotorPortPatterns)
	if err != nil {
		t.Fatal(err)
	}
	if name != "/dev/ttyUSB1" {
		t.Errorf("picked %s, want first matching port /dev/ttyUSB1", name)
	}

	_, err = FindMotorPort(ports[:1], DefaultMotorPortPatterns)
	if !errors.Is(err, ErrMotorPortNotFound) {
		t.Errorf("IMU-only bus: err = %v, want ErrMotorPortNotFound", err)
	}
}

func TestOpenMotorLinkWithoutPortIsConfigurationError(t *testing.T) {
	farm := &portFarm{}
	_, err := openMotorLink(MotorLinkConfig{}, quietLogger(), farm.open, listOf(), time.Now)
	if !errors.Is(err, ErrMotorPortNotFound) {
		t.Fatalf("err = %v, want ErrMotorPortNotFound", err)
	}
	if farm.opens != 0 {
		t.Errorf("opened a port without discovery match")
	}
}

func TestSendWritesFrameAndReturnsAck(t *testing.T) {
	farm := &portFarm{}
	link, err := openMotorLink(MotorLinkConfig{}, quietLogger(), farm.open,
		listOf(&enumerator.PortDetails{Name: "/dev/ttyACM0", Product: "ttyACM"}), time.Now)
	if err != nil {
		t.Fatal(err)
	}
	if farm.mode.BaudRate != 115200 {
		t.Errorf("baud = %d", farm.mode.BaudRate)
	}

	ack, err := link.Send(context.Background(), 200, -150)
	if err != nil {
		t.Fatal(err)
	}
	if string(ack) != "OK" {
		t.Errorf("ack = %q", ack)
	}
	if got := farm.last().Frames(); len(got) != 1 || got[0] != "%B,1700,1350%" {
		t.Errorf("frames = %q", got)
	}
	if farm.last().timeout != 10*time.Millisecond {
		t.Errorf("ack timeout = %s", farm.last().timeout)
	}
}

func TestSendRejectsOutOfRangeWithoutWriting(t *testing.T) {
	farm := &portFarm{}
	link, err := openMotorLink(MotorLinkConfig{PortName: "/dev/motors"}, quietLogger(), farm.open, listOf(), time.Now)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := link.Send(context.Background(), 0, -900); !errors.Is(err, ErrPowerOutOfRange) {
		t.Fatalf("err = %v", err)
	}
	if n := len(farm.last().Frames()); n != 0 {
		t.Errorf("%d frames written for rejected command", n)
	}
}

func TestWriteFailureIsRecoverableAndReconnectsWithBackoff(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	farm := &portFarm{}
	link, err := openMotorLink(MotorLinkConfig{PortName: "/dev/motors", ReconnectInitial: 100 * time.Millisecond},
		quietLogger(), farm.open, listOf(), clock.Now)
	if err != nil {
		t.Fatal(err)
	}

	first := farm.last()
	first.writeErr = errors.New("device disconnected")
	_, err = link.Send(context.Background(), 10, 10)
	var le *LinkError
	if !errors.As(err, &le) || le.Op != "write" {
		t.Fatalf("err = %v, want write LinkError", err)
	}
	if !first.closed || link.Connected() {
		t.Fatalf("port left open after write failure")
	}

	// Device still gone: one immediate attempt fails and arms the backoff.
	farm.failErr = errors.New("no such file")
	if _, err := link.Send(context.Background(), 10, 10); !errors.As(err, &le) {
		t.Fatalf("err = %v", err)
	}
	opens := farm.opens
	if _, err := link.Send(context.Background(), 10, 10); !errors.Is(err, ErrLinkDown) {
		t.Fatalf("err = %v, want ErrLinkDown while backing off", err)
	}
	if farm.opens != opens {
		t.Errorf("dialled during backoff window")
	}

	farm.failErr = nil
	clock.Advance(time.Second)
	if _, err := link.Send(context.Background(), 10, 10); !errors.Is(err, ErrLinkReset) || !errors.As(err, &le) {
		t.Fatalf("err = %v, want ErrLinkReset on the reconnecting send", err)
	}
	if !link.Connected() || farm.last() == first {
		t.Fatalf("link did not reopen the port")
	}
	if frames := farm.last().Frames(); len(frames) != 1 || frames[0] != "%B,1500,1500%" {
		t.Errorf("reopened port got %q, want only neutral", frames)
	}

	if _, err := link.Send(context.Background(), 10, 10); err != nil {
		t.Fatalf("send after reconnect: %v", err)
	}
	if frames := farm.last().Frames(); frames[len(frames)-1] != "%B,1510,1510%" {
		t.Errorf("last frame = %q", frames[len(frames)-1])
	}
}

func TestCloseSendsNeutralOnce(t *testing.T) {
	farm := &portFarm{}
	link, err := openMotorLink(MotorLinkConfig{PortName: "/dev/motors"}, quietLogger(), farm.open, listOf(), time.Now)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := link.Send(context.Background(), 120, 80); err != nil {
		t.Fatal(err)
	}
	if err := link.Close(); err != nil {
		t.Fatal(err)
	}
	frames := farm.last().Frames()
	if frames[len(frames)-1] != "%B,1500,1500%" {
		t.Errorf("last frame = %q, want neutral", frames[len(frames)-1])
	}
	if !farm.last().closed {
		t.Errorf("port not closed")
	}

	farm2 := &portFarm{}
	link2, _ := openMotorLink(MotorLinkConfig{PortName: "/dev/motors"}, quietLogger(), farm2.open, listOf(), time.Now)
	_, _ = link2.Send(context.Background(), 0, 0)
	_ = link2.Close()
	if n := len(farm2.last().Frames()); n != 1 {
		t.Errorf("neutral re-sent on close: %d frames", n)
	}
}
