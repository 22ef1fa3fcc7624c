package server

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/caffeineduck/jsfcgi/config"
	"github.com/caffeineduck/jsfcgi/executor"
	"github.com/caffeineduck/jsfcgi/internal/logging"
	"github.com/caffeineduck/jsfcgi/internal/metrics"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

func newRequestID() string { return uuid.NewString() }

type worker struct {
	settings config.Settings
	sandbox  Sandbox
	acceptor Acceptor
	log      logr.Logger
	newID    func() string
}

// run loops the request lifecycle until the transport is closed.
func (w *worker) run(ctx context.Context) {
	defer w.acceptor.Close()

	var backoff time.Duration
	for ctx.Err() == nil {
		err := w.serveOne(ctx)
		if err == nil {
			backoff = 0
			continue
		}
		if errors.Is(err, net.ErrClosed) {
			return
		}

		metrics.RecordAcceptError()
		if backoff == 0 {
			backoff = minAcceptBackoff
		} else {
			backoff = min(2*backoff, maxAcceptBackoff)
		}
		w.log.Error(err, "accept failed", "retryIn", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// serveOne runs one lifecycle iteration. It only returns accept errors;
// everything after a request arrives is answered on the request itself.
func (w *worker) serveOne(ctx context.Context) error {
	log := w.log.WithValues("requestID", w.newID())
	quotas := DeriveQuotas(w.settings)
	sess := w.newSession(log)
	if sess != nil {
		defer sess.Close()
	}

	req, err := w.acceptor.Accept()
	if err != nil {
		return err
	}
	w.respond(ctx, log, sess, req, quotas)
	return nil
}

// newSession returns nil when the sandbox could not create a session; the
// request is then answered as an unknown failure.
func (w *worker) newSession(log logr.Logger) Session {
	sess, err := w.sandbox.NewSession(w.settings.Sandbox, w.settings.ContentType, log)
	if err != nil {
		metrics.RecordSessionError()
		log.Error(err, "create session")
		return nil
	}
	return sess
}

// respond answers an accepted request, finishes it and returns the status.
func (w *worker) respond(ctx context.Context, log logr.Logger, sess Session, req Request, quotas executor.Quotas) int {
	start := time.Now()
	metrics.RequestStarted()
	defer metrics.RequestDone()

	tr, hasTransport := req.(transportRequest)
	if hasTransport {
		log = log.WithValues("fcgiID", tr.ID(), "keepConn", tr.KeepConn())
	}

	contentType := w.settings.ContentType
	if sess != nil {
		contentType = sess.DefaultContentType()
	}
	rc := NewRequestContext(req.Stdout(), contentType)

	if sess == nil {
		w.reply(log, rc, unknownFailure)
	} else {
		// Scripts are stopped by their quotas, not by server shutdown.
		w.handle(context.WithoutCancel(ctx), log, sess, req, rc, quotas)
	}

	if hasTransport && tr.Aborted() {
		log.V(logging.VERBOSE).Info("request aborted by the web server")
	}
	if err := req.Finish(); err != nil {
		log.V(logging.VERBOSE).Info("finish request", "error", err.Error())
	}
	status := rc.Status()
	metrics.RecordRequest(status, time.Since(start))
	log.V(logging.DEBUG).Info("request done", "status", status, "duration", time.Since(start))
	return status
}

func (w *worker) handle(ctx context.Context, log logr.Logger, sess Session, req Request, rc *RequestContext, quotas executor.Quotas) {
	if v := log.V(logging.TRACE); v.Enabled() {
		v.Info("request parameters", "params", req.Params())
	}

	parseStart := time.Now()
	if err := sess.Parse(req, rc); err != nil {
		log.Error(err, "parse request")
		w.reply(log, rc, unknownFailure)
		return
	}
	log.V(logging.DEBUG).Info("request parsed", "duration", time.Since(parseStart))

	if err := sess.EnableLimits(quotas); err != nil {
		log.Error(err, "enable limits")
		w.reply(log, rc, unknownFailure)
		return
	}

	outcome := sess.Load(ctx)
	metrics.RecordLoadOutcome(outcome.String())
	if r, ok := LoadReply(outcome); ok {
		switch o := outcome.(type) {
		case executor.NotFound:
			log.V(logging.DEFAULT).Info("script not found", "path", req.Params()["SCRIPT_FILENAME"])
		case executor.UnknownFailure:
			log.Error(o.Err, "load script", "path", req.Params()["SCRIPT_FILENAME"])
		default:
			log.V(logging.VERBOSE).Info("script not loaded", "outcome", outcome.String())
		}
		w.reply(log, rc, r)
		return
	}

	err := sess.Execute(ctx)
	if err != nil {
		var se *executor.ScriptError
		if !errors.As(err, &se) {
			log.Error(err, "execute script")
		} else {
			log.V(logging.VERBOSE).Info("script failed", "message", se.Message)
		}
	}
	if r, ok := ExecuteReply(err, rc.Committed()); ok {
		w.reply(log, rc, r)
	}
}

func (w *worker) reply(log logr.Logger, rc *RequestContext, r Reply) {
	if err := r.send(rc); err != nil {
		log.V(logging.VERBOSE).Info("write response", "error", err.Error())
	}
}
