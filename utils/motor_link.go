package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Thruster hardware range. Controller units are offsets from neutral.
const (
	MotorNeutral    = 1500
	MotorMinPower   = 1100
	MotorMaxPower   = 1900
	MotorPowerRange = 400
)

var (
	ErrMotorPortNotFound = errors.New("motor controller serial port not found")
	ErrLinkDown          = errors.New("motor link down, waiting to reconnect")
	ErrLinkReset         = errors.New("motor link reopened, controller at neutral")
	ErrPowerOutOfRange   = errors.New("power outside controller range")
)

// DefaultMotorPortPatterns are the description substrings of the motor controller boards we ship with.
var DefaultMotorPortPatterns = []string{"ACM", "Serial", "USB2.0-Serial"}

// LinkError is a recoverable failure on an already opened motor link.
type LinkError struct {
	Op   string
	Port string
	Err  error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("motor link %s %s: %v", e.Op, e.Port, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

type MotorLinkConfig struct {
	PortName            string // skips discovery when set
	BaudRate            int
	DescriptionPatterns []string
	AckTimeout          time.Duration
	ReconnectInitial    time.Duration
	ReconnectMax        time.Duration
}

func (c *MotorLinkConfig) applyDefaults() {
	if c.BaudRate <= 0 {
		c.BaudRate = 115200
	}
	if len(c.DescriptionPatterns) == 0 {
		c.DescriptionPatterns = DefaultMotorPortPatterns
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Millisecond
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = 250 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 5 * time.Second
	}
}

// serialPort is the part of serial.Port the link uses.
type serialPort interface {
	io.ReadWriteCloser
	Drain() error
	SetReadTimeout(t time.Duration) error
}

type (
	portOpener func(name string, mode *serial.Mode) (serialPort, error)
	portLister func() ([]*enumerator.PortDetails, error)
)

func openSerial(name string, mode *serial.Mode) (serialPort, error) {
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// MotorLink frames power commands for the thruster controller and exchanges them over serial.
// It is safe for concurrent use, although only the control task sends in practice.
type MotorLink struct {
	mu   sync.Mutex
	cfg  MotorLinkConfig
	log  *Logger
	open portOpener
	list portLister
	now  func() time.Time

	port      serialPort
	portName  string
	lastFrame string
	retry     *backoff.ExponentialBackOff
	nextDial  time.Time
}

// OpenMotorLink finds and opens the motor controller port. A missing port is a configuration
// error: the caller must not start the control loop.
func OpenMotorLink(cfg MotorLinkConfig, log *Logger) (*MotorLink, error) {
	return openMotorLink(cfg, log, openSerial, enumerator.GetDetailedPortsList, time.Now)
}

func openMotorLink(cfg MotorLinkConfig, log *Logger, open portOpener, list portLister, now func() time.Time) (*MotorLink, error) {
	cfg.applyDefaults()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.ReconnectInitial
	retry.MaxInterval = cfg.ReconnectMax
	retry.MaxElapsedTime = 0
	retry.Reset()

	l := &MotorLink{
		cfg:   cfg,
		log:   log,
		open:  open,
		list:  list,
		now:   now,
		retry: retry,
	}
	if err := l.dialLocked(); err != nil {
		return nil, err
	}
	l.log.Info("Motor link open: port=%s baud=%d", l.portName, cfg.BaudRate)
	return l, nil
}

// FindMotorPort returns the first port whose product description or device name
// contains one of patterns.
func FindMotorPort(ports []*enumerator.PortDetails, patterns []string) (string, error) {
	for _, p := range ports {
		for _, pat := range patterns {
			if pat == "" {
				continue
			}
			if strings.Contains(p.Product, pat) || strings.Contains(p.Name, pat) {
				return p.Name, nil
			}
		}
	}
	return "", fmt.Errorf("%w (patterns %q, %d ports enumerated)", ErrMotorPortNotFound, patterns, len(ports))
}

func (l *MotorLink) resolvePort() (string, error) {
	if l.cfg.PortName != "" {
		return l.cfg.PortName, nil
	}
	ports, err := l.list()
	if err != nil {
		return "", fmt.Errorf("enumerate serial ports: %w", err)
	}
	return FindMotorPort(ports, l.cfg.DescriptionPatterns)
}

func (l *MotorLink) dialLocked() error {
	name, err := l.resolvePort()
	if err != nil {
		return err
	}
	p, err := l.open(name, &serial.Mode{
		BaudRate: l.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	if err := p.SetReadTimeout(l.cfg.AckTimeout); err != nil {
		_ = p.Close()
		return fmt.Errorf("set read timeout on %s: %w", name, err)
	}
	l.port = p
	l.portName = name
	l.lastFrame = ""
	return nil
}

// Send writes one command in controller units (±400), flushes, and returns whatever
// acknowledgement bytes arrive within the ack timeout. It never sleeps waiting for a reconnect.
// The send that reopens a dropped port writes neutral instead and returns ErrLinkReset.
func (l *MotorLink) Send(ctx context.Context, powerRight, powerLeft int) ([]byte, error) {
	frame, err := EncodeMotorCommand(powerRight, powerLeft)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sendLocked(frame)
}

func (l *MotorLink) sendLocked(frame string) ([]byte, error) {
	if l.port == nil {
		if err := l.reconnectLocked(); err != nil {
			return nil, err
		}
	}

	if _, err := io.WriteString(l.port, frame); err != nil {
		return nil, l.dropLocked("write", err)
	}
	if err := l.port.Drain(); err != nil {
		return nil, l.dropLocked("flush", err)
	}
	l.lastFrame = frame

	buf := make([]byte, 64)
	n, err := l.port.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, l.dropLocked("read", err)
	}
	l.log.Trace("TX %s ack=%q", frame, buf[:n])
	return buf[:n], nil
}

func (l *MotorLink) reconnectLocked() error {
	now := l.now()
	if now.Before(l.nextDial) {
		return &LinkError{Op: "reconnect", Port: l.portName, Err: ErrLinkDown}
	}
	if err := l.dialLocked(); err != nil {
		wait := l.retry.NextBackOff()
		l.nextDial = now.Add(wait)
		l.log.Warn("Motor link reconnect failed, next attempt in %s: %v", wait, err)
		return &LinkError{Op: "reconnect", Port: l.portName, Err: err}
	}
	l.retry.Reset()
	l.log.Info("Motor link reconnected on %s", l.portName)

	// Reopening a USB-ACM port resets the controller board. Pin it to neutral and
	// report the reset so the caller ramps up from there.
	if _, err := l.sendLocked(FrameMotorCommand(MotorNeutral, MotorNeutral)); err != nil {
		return err
	}
	return &LinkError{Op: "reconnect", Port: l.portName, Err: ErrLinkReset}
}

func (l *MotorLink) dropLocked(op string, cause error) error {
	l.log.Error("Motor link %s failed on %s, closing port: %v", op, l.portName, cause)
	if l.port != nil {
		_ = l.port.Close()
		l.port = nil
	}
	l.retry.Reset()
	l.nextDial = l.now()
	return &LinkError{Op: op, Port: l.portName, Err: cause}
}

// Connected reports whether the port is currently open.
func (l *MotorLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port != nil
}

// Close stops both thrusters, unless neutral was already the last frame, and closes the port.
func (l *MotorLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port == nil {
		return nil
	}
	neutral := FrameMotorCommand(MotorNeutral, MotorNeutral)
	if l.lastFrame != neutral {
		if _, err := l.sendLocked(neutral); err != nil {
			l.log.Error("Neutral command on close failed: %v", err)
		}
	}
	if l.port == nil {
		return nil
	}
	err := l.port.Close()
	l.port = nil
	return err
}

// EncodeMotorCommand frames controller-unit powers as "%B,RRRR,LLLL%".
func EncodeMotorCommand(powerRight, powerLeft int) (string, error) {
	if err := checkPower("right", powerRight); err != nil {
		return "", err
	}
	if err := checkPower("left", powerLeft); err != nil {
		return "", err
	}
	return FrameMotorCommand(powerRight+MotorNeutral, powerLeft+MotorNeutral), nil
}

// FrameMotorCommand frames hardware values (1100..1900) without range checks.
func FrameMotorCommand(hwRight, hwLeft int) string {
	return "%B," + padPower(hwRight) + "," + padPower(hwLeft) + "%"
}

// DecodeMotorCommand parses a frame back into controller units.
func DecodeMotorCommand(frame string) (powerRight, powerLeft int, err error) {
	body, ok := strings.CutPrefix(strings.TrimSpace(frame), "%B,")
	if !ok {
		return 0, 0, fmt.Errorf("motor frame %q: missing %%B, prefix", frame)
	}
	body, ok = strings.CutSuffix(body, "%")
	if !ok {
		return 0, 0, fmt.Errorf("motor frame %q: missing %% terminator", frame)
	}
	parts := strings.Split(body, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("motor frame %q: expected 2 fields, got %d", frame, len(parts))
	}

	var hw [2]int
	for i, p := range parts {
		if len(p) != 4 {
			return 0, 0, fmt.Errorf("motor frame %q: field %q is not 4 digits", frame, p)
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return 0, 0, fmt.Errorf("motor frame %q: %w", frame, err)
		}
		hw[i] = v
	}

	powerRight, powerLeft = hw[0]-MotorNeutral, hw[1]-MotorNeutral
	if err := checkPower("right", powerRight); err != nil {
		return 0, 0, err
	}
	if err := checkPower("left", powerLeft); err != nil {
		return 0, 0, err
	}
	return powerRight, powerLeft, nil
}

func padPower(v int) string {
	s := strconv.Itoa(v)
	if len(s) < 4 {
		s = strings.Repeat("0", 4-len(s)) + s
	}
	return s
}

func checkPower(side string, p int) error {
	if p < -MotorPowerRange || p > MotorPowerRange {
		return fmt.Errorf("%w: %s=%d (limit ±%d)", ErrPowerOutOfRange, side, p, MotorPowerRange)
	}
	return nil
}
