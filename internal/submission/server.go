// Package submission implements the flag submission server. Teams
// connect via TCP, send one flag per line and receive a per-flag
// verdict. Verification happens locally through the flag codec, only
// accepted flags touch the game database.
package submission

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"
	"unicode"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fausecteam/ctf-gameserver/internal/database"
	"github.com/fausecteam/ctf-gameserver/internal/flag"
	"github.com/fausecteam/ctf-gameserver/internal/sysexits"
)

var log = logrus.WithField("prefix", "submission")

// timeout is armed before every single read and write. The write
// timeout prevents unbounded buffering when a client submits flags
// without ever reading our responses.
const timeout = 300 * time.Second

// Config contains the operator-provided parameters of the submission
// server.
type Config struct {
	// ListenAddr is the "<host>:<port>" to accept connections on.
	ListenAddr string
	// TeamRegex extracts the team net number from a client IP
	// address. It must contain exactly one capture group.
	TeamRegex *regexp.Regexp
	// FlagSecret is the shared MAC key of the flag codec.
	FlagSecret []byte
	// CompetitionName is displayed in the connection banner.
	CompetitionName string
	// FlagPrefix is the expected prefix of submitted flags.
	FlagPrefix string
}

// Server accepts team connections and processes flag submissions. It
// implements the daemon.Service interface.
type Server struct {
	cfg     *Config
	gateway *database.Gateway

	ctx    context.Context
	cancel context.CancelFunc

	listener net.Listener
	handlers sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	// Seams for tests.
	now  func() time.Time
	exit func(code int)
}

// NewServer binds the listening socket for the given configuration.
// Submissions are not accepted until Start is called.
func NewServer(gateway *database.Gateway, cfg *Config) (*Server, error) {
	if cfg.TeamRegex == nil || cfg.TeamRegex.NumSubexp() != 1 {
		return nil, errors.New("team regex must contain exactly one capture group")
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "could not listen on %s", cfg.ListenAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		gateway:  gateway,
		ctx:      ctx,
		cancel:   cancel,
		listener: listener,
		conns:    make(map[net.Conn]struct{}),
		now: func() time.Time {
			return time.Now().UTC()
		},
		exit: os.Exit,
	}, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Start runs the accept loop until Stop is called. Each connection is
// handled in its own goroutine.
func (s *Server) Start() {
	log.WithField("address", s.listener.Addr()).Info("Starting submission server")
	startTimestamp.SetToCurrentTime()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("Could not accept connection")
			continue
		}
		if s.ctx.Err() != nil {
			conn.Close()
			return
		}
		s.trackConn(conn, true)
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			defer s.trackConn(conn, false)
			s.handleConnection(conn)
		}()
	}
}

// Stop closes the listener and stops reading further submissions from
// connected clients. Responses that are already in flight still
// complete, Stop returns once the last connection handler is done.
func (s *Server) Stop() error {
	log.Info("Stopping submission server")
	s.cancel()
	err := s.listener.Close()

	s.mu.Lock()
	for conn := range s.conns {
		conn.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	s.handlers.Wait()
	return err
}

// Status always reports healthy. Database problems kill the whole
// process, everything else only affects single connections.
func (s *Server) Status() error {
	return nil
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// killServerError wraps database failures which poison the shared
// database connection. The process exits so that the init system can
// restart it with a fresh connection.
type killServerError struct {
	err error
}

func (e killServerError) Error() string {
	return e.err.Error()
}

func (e killServerError) Unwrap() error {
	return e.err
}

// connError wraps socket-level failures which only ever concern a
// single client.
type connError struct {
	err error
}

func (e connError) Error() string {
	return e.err.Error()
}

func (e connError) Unwrap() error {
	return e.err
}

// errConnDone signals that the connection has already been logged and
// dealt with and just needs to be closed.
var errConnDone = errors.New("connection done")

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	clientAddr := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(clientAddr); err == nil {
		clientAddr = host
	}

	clientNetNo, err := matchNetNumber(s.cfg.TeamRegex, clientAddr)
	if err != nil {
		log.Errorf("[%s]: Could not match client address with a team, closing the connection", clientAddr)
		connections.WithLabelValues("-1").Inc()
		conn.SetWriteDeadline(time.Now().Add(timeout))
		conn.Write([]byte("Error: Could not match your IP address with a team\n"))
		return
	}

	label := strconv.Itoa(clientNetNo)
	connections.WithLabelValues(label).Inc()
	openConnections.WithLabelValues(label).Inc()
	defer openConnections.WithLabelValues(label).Dec()

	clog := log.WithFields(logrus.Fields{
		"client":      clientAddr,
		"team_net_no": clientNetNo,
	})

	err = s.handleTeamConnection(conn, clog, clientNetNo, label)

	var kill killServerError
	var sock connError
	switch {
	case err == nil || errors.Is(err, errConnDone) || errors.Is(err, context.Canceled):
	case errors.As(err, &kill):
		clog.WithError(kill.err).Error("Encountered fatal error, exiting")
		serverKills.Inc()
		s.exit(sysexits.IOErr)
	case errors.As(err, &sock):
		if s.ctx.Err() == nil {
			clog.WithError(sock.err).Warn("Client connection error, closing the connection")
		}
	default:
		clog.WithError(err).Error("Error in client connection, closing the connection")
		unhandledExceptions.Inc()
	}
}

// handleTeamConnection runs the submission protocol for a client whose
// net number is already known.
func (s *Server) handleTeamConnection(conn net.Conn, clog *logrus.Entry, clientNetNo int, label string) error {
	clog.Info("Accepted connection")

	if err := s.write(conn, clog, s.cfg.CompetitionName+" Flag Submission Server\n"); err != nil {
		return err
	}
	if err := s.write(conn, clog, "One flag per line please!\n\n"); err != nil {
		return err
	}

	// bufio.Scanner caps lines at 64 KiB, longer input is a protocol
	// violation and terminates the connection.
	scanner := bufio.NewScanner(deadlineReader{srv: s, conn: conn})
	scanner.Split(scanCompleteLines)

	for scanner.Scan() {
		line := scanner.Text()
		lineStart := time.Now()
		err := s.handleLine(conn, clog, clientNetNo, label, line)
		submissionDurationSeconds.Observe(time.Since(lineStart).Seconds())
		if err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		var netErr net.Error
		switch {
		case errors.As(err, &netErr) && netErr.Timeout():
			clog.Info("Read timeout expired")
		case errors.Is(err, bufio.ErrTooLong):
			return errors.Wrap(err, "could not read line")
		default:
			return connError{err}
		}
	}

	clog.Info("Closing connection")
	return nil
}

// handleLine classifies a single submitted flag and sends the verdict.
// The returned error terminates the connection.
func (s *Server) handleLine(conn net.Conn, clog *logrus.Entry, clientNetNo int, label, line string) error {
	respond := func(code, message string) error {
		resp := line + " " + code
		if message != "" {
			resp += " " + message
		}
		return s.write(conn, clog, resp+"\n")
	}

	if !isASCII(line) {
		clog.Infof("Flag %q rejected due to bad encoding", line)
		flagsInv.WithLabelValues(label).Inc()
		return respond("INV", "Invalid flag")
	}

	flagID, protectingNetNo, err := flag.Verify(line, s.cfg.FlagSecret, s.cfg.FlagPrefix, s.now())
	var expired flag.ExpiredError
	switch {
	case err == nil:
	case errors.Is(err, flag.ErrInvalidFormat):
		clog.Infof("Flag %q rejected due to invalid format", line)
		flagsInv.WithLabelValues(label).Inc()
		return respond("INV", "Invalid flag")
	case errors.Is(err, flag.ErrInvalidMAC):
		clog.Infof("Flag %q rejected due to invalid MAC", line)
		flagsInv.WithLabelValues(label).Inc()
		return respond("INV", "Invalid flag")
	case errors.As(err, &expired):
		clog.Infof("Flag %q rejected because it has expired since %s", line,
			expired.Expiration.Format(time.RFC3339))
		flagsOld.WithLabelValues(label).Inc()
		return respond("OLD", "Flag has expired")
	default:
		return err
	}

	if protectingNetNo == clientNetNo {
		clog.Infof("Flag %q rejected because it is protected by submitting team", line)
		flagsOwn.WithLabelValues(label).Inc()
		return respond("OWN", "You cannot submit your own flag")
	}

	start, end, err := s.gateway.GetDynamicInfo(s.ctx)
	if err != nil {
		return s.databaseError(err)
	}
	if start == nil || end == nil {
		return errors.New("competition start and end time are not configured")
	}

	now := s.now()
	if now.Before(*start) {
		clog.Infof("Flag %q rejected because competition has not started", line)
		flagsErr.WithLabelValues(label).Inc()
		return respond("ERR", "Competition has not even started yet")
	}
	if !now.Before(*end) {
		clog.Infof("Flag %q rejected because competition is over", line)
		flagsErr.WithLabelValues(label).Inc()
		return respond("ERR", "Competition is over")
	}

	nop, err := s.gateway.TeamIsNOP(s.ctx, protectingNetNo)
	if err != nil {
		return s.databaseError(err)
	}
	if nop {
		clog.Infof("Flag %q rejected because it is protected by a NOP team", line)
		flagsInv.WithLabelValues(label).Inc()
		return respond("INV", "You cannot submit flags of a NOP team")
	}

	err = s.gateway.AddCapture(s.ctx, flagID, clientNetNo)
	switch {
	case err == nil:
		clog.Infof("Flag %q accepted", line)
		flagsOK.WithLabelValues(label).Inc()
		return respond("OK", "")
	case errors.Is(err, database.ErrDuplicateCapture):
		clog.Infof("Flag %q rejected because it has already been submitted before", line)
		flagsDup.WithLabelValues(label).Inc()
		return respond("DUP", "You already submitted this flag")
	case errors.Is(err, database.ErrTeamNotExisting):
		clog.Warnf("Flag %q: Could not find team for net number %d in database", line, clientNetNo)
		flagsErr.WithLabelValues(label).Inc()
		return respond("ERR", "Could not find team")
	default:
		return s.databaseError(err)
	}
}

// databaseError decides the fate of a failed database operation. Data
// errors mean an unusable game configuration and cancellation means
// the server is stopping, both only fail this connection. Everything
// else indicates a broken database connection shared by all clients.
func (s *Server) databaseError(err error) error {
	if database.IsDataError(err) || errors.Is(err, context.Canceled) {
		return err
	}
	return killServerError{err}
}

// write sends data to the client with a fresh write deadline. Timeouts
// are logged and end the connection silently.
func (s *Server) write(conn net.Conn, clog *logrus.Entry, data string) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return connError{err}
	}
	if _, err := conn.Write([]byte(data)); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			clog.Info("Write timeout expired")
			return errConnDone
		}
		return connError{err}
	}
	return nil
}

// matchNetNumber extracts the team net number from a client address
// using the operator-configured pattern.
func matchNetNumber(regex *regexp.Regexp, addr string) (int, error) {
	match := regex.FindStringSubmatch(addr)
	if match == nil {
		return 0, errors.Errorf("no match for address %s", addr)
	}
	netNo, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, errors.Wrapf(err, "bad net number in address %s", addr)
	}
	return netNo, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// deadlineReader arms the read timeout before every single read from
// the client, or an already expired deadline once the server is
// stopping. The server mutex keeps it from overwriting the expired
// deadlines Stop sets on connections that are blocked in a read.
type deadlineReader struct {
	srv  *Server
	conn net.Conn
}

func (r deadlineReader) Read(p []byte) (int, error) {
	r.srv.mu.Lock()
	deadline := time.Now().Add(timeout)
	if r.srv.ctx.Err() != nil {
		deadline = time.Now()
	}
	err := r.conn.SetReadDeadline(deadline)
	r.srv.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return r.conn.Read(p)
}

// scanCompleteLines behaves like bufio.ScanLines, except that a
// trailing line without a newline is discarded: every flag must be
// terminated by a newline.
func scanCompleteLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, dropCR(data[:i]), nil
	}
	if atEOF {
		return len(data), nil, nil
	}
	return 0, nil, nil
}

// dropCR drops one terminal \r from the data. Clients submitting with
// CRLF line endings get the same verdicts as everyone else.
func dropCR(data []byte) []byte {
	if len(data) > 0 && data[len(data)-1] == '\r' {
		return data[:len(data)-1]
	}
	return data
}
