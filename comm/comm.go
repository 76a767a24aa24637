/*Package comm provides the serialized command channel used to talk to lab hardware.

A Channel owns exactly one connection to one instrument.  Every exchange with
the instrument goes through Channel.Execute, which holds the channel's lock for
the full write + read of a single command, so replies from the instrument can
never be attributed to the wrong request.

Most usages of this package will boil down to:
	1.  pick a CreationFunc for the transport (SerialConnMaker for RS232,
		BackingOffTCPConnMaker for a port server or GPIB-ethernet bridge)
	2.  create a Channel with NewChannel, giving it the terminators the
		instrument wants
	3.  Connect, then Execute commands built by a driver package

A minimal example, for a sensor that responds to "RD?" with the temperature

	maker := comm.BackingOffTCPConnMaker("192.168.100.40:2106", 3*time.Second)
	ch := comm.NewChannel(comm.Config{Addr: "192.168.100.40:2106"}, maker)
	if _, err := ch.Connect(); err != nil {
		return err
	}
	defer ch.Disconnect()
	resp, err := ch.Execute(comm.Query("RD?"))
	if err != nil {
		return err
	}
	return strconv.ParseFloat(resp.Text, 64)
*/
package comm

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrTransportTimeout is generated when the reply terminator does not
	// arrive within the channel's timeout
	ErrTransportTimeout = errors.New("comm: timeout waiting for reply terminator")

	// ErrTransportClosed is generated when Execute is called on a channel
	// that has been disconnected or torn down
	ErrTransportClosed = errors.New("comm: transport is closed")
)

// ConnectionError is generated when the transport to an instrument cannot be
// opened, or is lost and cannot be re-opened
type ConnectionError struct {
	// Addr is the address that was dialed
	Addr string

	// Err is the underlying cause
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("comm: unable to connect to %s: %v", e.Addr, e.Err)
}

// Unwrap returns the underlying cause
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// DecodeError is generated when a reply does not have the shape a command
// expects
type DecodeError struct {
	Command string
	Reply   string
	Reason  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("comm: cannot decode reply %q to %q: %s", e.Reply, e.Command, e.Reason)
}

// IsFatal returns true if err means the channel can no longer be used
func IsFatal(err error) bool {
	if errors.Is(err, ErrTransportClosed) {
		return true
	}
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// Command is an outbound request to an instrument
type Command struct {
	// Payload is the text sent, without terminator
	Payload string

	// ExpectReply indicates a single reply line will follow
	ExpectReply bool
}

// Query returns a Command that expects a reply
func Query(payload string) Command {
	return Command{Payload: payload, ExpectReply: true}
}

// Write returns a Command that does not expect a reply
func Write(payload string) Command {
	return Command{Payload: payload}
}

func (c Command) String() string {
	return c.Payload
}

// Response is the reply to a Command.  NoData is true when the command was
// write-only and nothing was read.
type Response struct {
	Text   string
	NoData bool
}

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// SerialConfig holds the parameters of an RS232 link
type SerialConfig struct {
	// Name is the device path, e.g. /dev/ttyUSB0 or COM3
	Name string

	Baud int

	// Size is the number of data bits, 7 or 8
	Size byte

	// Parity is one of "N", "O", "E"
	Parity string

	// ReadTimeout bounds a single read on the port
	ReadTimeout time.Duration
}

// SerialConnMaker returns a CreationFunc that opens a serial port
func SerialConnMaker(c SerialConfig) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		conf := &serial.Config{
			Name:        c.Name,
			Baud:        c.Baud,
			Size:        c.Size,
			Parity:      parity(c.Parity),
			StopBits:    serial.Stop1,
			ReadTimeout: c.ReadTimeout,
		}
		if conf.Baud == 0 {
			conf.Baud = 9600
		}
		if conf.Size == 0 {
			conf.Size = 8
		}
		return serial.OpenPort(conf)
	}
}

func parity(s string) serial.Parity {
	switch strings.ToUpper(s) {
	case "O", "ODD":
		return serial.ParityOdd
	case "E", "EVEN":
		return serial.ParityEven
	default:
		return serial.ParityNone
	}
}

// BackingOffTCPConnMaker returns a CreationFunc that dials addr, retrying with
// an exponential backoff until timeout has elapsed.  Port servers do not like
// being connection thrashed, so refused connections are not retried.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			c, err := net.DialTimeout("tcp", addr, timeout)
			if err != nil {
				if strings.Contains(strings.ToLower(err.Error()), "refused") {
					return backoff.Permanent(err)
				}
				return err
			}
			conn = c
			return nil
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      timeout,
			Clock:               backoff.SystemClock})
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
