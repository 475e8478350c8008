package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/tuibridge/internal/config"
	"github.com/acolita/tuibridge/internal/router"
	"github.com/acolita/tuibridge/internal/session"
)

const (
	maxDimension = 65535
	pumpBufSize  = 32 * 1024
)

// channelHandler negotiates one session channel. It owns the channel but not
// the session's PTY or process: those belong to the session, which the
// handler reaches through the registry key in peer.
type channelHandler struct {
	srv     *Server
	cfg     *config.Config
	channel ssh.Channel
	peer    session.Peer
	logger  *slog.Logger

	term      session.Terminal
	clientEnv []string
	sess      *session.Session
	rejected  bool
}

func (h *channelHandler) serve(requests <-chan *ssh.Request) {
	defer func() {
		if h.sess != nil {
			h.sess.Close()
		}
		h.channel.Close()
		go ssh.DiscardRequests(requests)
	}()

	var done <-chan struct{}
	for {
		select {
		case req, ok := <-requests:
			if !ok {
				if h.sess != nil {
					h.sess.Logger().Info("client closed channel")
				}
				return
			}
			h.handle(req)
			if h.rejected {
				return
			}
			if done == nil && h.sess != nil {
				done = h.sess.Done()
			}
		case <-done:
			h.reportExit()
			return
		}
	}
}

func (h *channelHandler) handle(req *ssh.Request) {
	switch req.Type {
	case "pty-req":
		h.reply(req, h.handlePTY(req.Payload))
	case "env":
		h.reply(req, h.handleEnv(req.Payload))
	case "shell":
		h.handleShell(req)
	case "exec":
		h.handleExec(req)
	case "subsystem":
		var msg subsystemRequestMsg
		if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
			h.logger.Debug("malformed subsystem request", "error", err)
		}
		h.logger.Info("subsystem rejected", "subsystem", msg.Subsystem)
		h.reply(req, false)
	case "window-change":
		h.reply(req, h.handleWindowChange(req.Payload))
	case "signal":
		h.reply(req, h.handleSignal(req.Payload))
	default:
		h.logger.Debug("request rejected", "type", req.Type)
		h.reply(req, false)
	}
}

func (h *channelHandler) reply(req *ssh.Request, ok bool) {
	if req.WantReply {
		req.Reply(ok, nil)
	}
}

// handlePTY records the requested terminal. The session puts the PTY in raw
// mode at Start, whatever ECHO and ICANON the client asked for.
func (h *channelHandler) handlePTY(payload []byte) bool {
	if h.sess != nil {
		return false
	}
	var msg ptyRequestMsg
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		h.logger.Warn("malformed pty-req", "error", err)
		return false
	}
	if msg.Columns > maxDimension || msg.Rows > maxDimension {
		h.logger.Warn("pty-req size out of range", "cols", msg.Columns, "rows", msg.Rows)
		return false
	}

	modes, err := parseTerminalModes(msg.Modes)
	if err != nil {
		h.logger.Debug("terminal modes", "error", err)
	}
	if (modes.echo != nil && *modes.echo) || (modes.icanon != nil && *modes.icanon) {
		h.logger.Debug("client asked for cooked mode; forcing raw")
	}

	h.term = session.Terminal{
		Term:         msg.Term,
		Cols:         int(msg.Columns),
		Rows:         int(msg.Rows),
		ControlChars: modes.controlChars,
	}
	h.logger.Debug("pty requested", "term", msg.Term, "cols", msg.Columns, "rows", msg.Rows)
	return true
}

func (h *channelHandler) handleEnv(payload []byte) bool {
	if h.sess != nil {
		return false
	}
	var msg envRequestMsg
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return false
	}
	if !h.cfg.Program.AcceptsEnv(msg.Name) {
		h.logger.Debug("env rejected", "name", msg.Name)
		return false
	}
	h.clientEnv = append(h.clientEnv, msg.Name+"="+msg.Value)
	return true
}

func (h *channelHandler) handleExec(req *ssh.Request) {
	var msg execRequestMsg
	if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
		h.logger.Debug("malformed exec request", "error", err)
	}
	h.logger.Info("exec rejected", "command", msg.Command)
	h.reply(req, false)
	if h.sess == nil {
		fmt.Fprint(h.channel.Stderr(), "tuibridge: command execution is not supported; connect without a command\r\n")
		h.rejected = true
	}
}

func (h *channelHandler) handleShell(req *ssh.Request) {
	if h.sess != nil {
		h.reply(req, false)
		return
	}

	sess := session.New(h.peer, h.term, h.srv.sessionOptions(h.cfg, h.clientEnv))
	if err := h.srv.registry.Register(sess); err != nil {
		sess.Close()
		h.reply(req, true)
		if errors.Is(err, session.ErrLimitReached) {
			h.logger.Warn("session rejected", "error", err)
			h.fail("too many sessions, try again later")
		} else {
			h.logger.Error("session registration failed", "error", err)
			h.fail("internal error")
		}
		return
	}

	h.reply(req, true)
	if err := sess.Start(context.Background(), h.channel); err != nil {
		sess.Close()
		h.fail(fmt.Sprintf("could not start session: %v", err))
		return
	}
	h.sess = sess

	go h.pump(h.channel, router.SourceStream)
	go h.pump(h.channel.Stderr(), router.SourcePacket)
}

// fail tells the client why no session runs, then rejects the channel.
func (h *channelHandler) fail(reason string) {
	fmt.Fprintf(h.channel.Stderr(), "tuibridge: %s\r\n", reason)
	h.channel.SendRequest("exit-status", false, ssh.Marshal(&exitStatusMsg{Status: 1}))
	h.rejected = true
}

// pump feeds one input path into the session's router. The session is looked
// up by key on every read so the handler never owns it. Route blocks while the
// router is full, so the SSH window stops the client until the child reads.
func (h *channelHandler) pump(r io.Reader, src router.Source) {
	buf := make([]byte, pumpBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.srv.registry.Route(h.peer.Key, src, buf[:n])
		}
		if err != nil {
			h.srv.registry.EndInput(h.peer.Key, src)
			return
		}
	}
}

func (h *channelHandler) handleWindowChange(payload []byte) bool {
	var msg windowChangeMsg
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return false
	}
	if msg.Columns == 0 || msg.Rows == 0 || msg.Columns > maxDimension || msg.Rows > maxDimension {
		return false
	}
	if h.sess == nil {
		h.term.Cols, h.term.Rows = int(msg.Columns), int(msg.Rows)
		return true
	}
	if err := h.sess.Resize(int(msg.Columns), int(msg.Rows)); err != nil {
		h.sess.Logger().Debug("resize failed", "error", err)
		return false
	}
	return true
}

func (h *channelHandler) handleSignal(payload []byte) bool {
	var msg signalMsg
	if err := ssh.Unmarshal(payload, &msg); err != nil || h.sess == nil {
		return false
	}
	sig, ok := signalFromName(msg.Signal)
	if !ok {
		h.sess.Logger().Debug("unknown signal", "signal", msg.Signal)
		return false
	}
	if err := h.sess.Signal(sig); err != nil {
		h.sess.Logger().Debug("signal failed", "signal", msg.Signal, "error", err)
		return false
	}
	return true
}

// reportExit sends exit-status or exit-signal, then EOF. The deferred close in
// serve finishes the channel.
func (h *channelHandler) reportExit() {
	status, ok := h.sess.ExitStatus()
	switch {
	case !ok:
		h.channel.SendRequest("exit-status", false, ssh.Marshal(&exitStatusMsg{Status: 1}))
	case status.Signaled():
		h.channel.SendRequest("exit-signal", false, ssh.Marshal(&exitSignalMsg{Signal: status.Signal}))
	default:
		h.channel.SendRequest("exit-status", false, ssh.Marshal(&exitStatusMsg{Status: uint32(status.Code)}))
	}
	h.channel.CloseWrite()
}
