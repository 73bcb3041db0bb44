// Package server implements the blob exchange listener of spec.md
// §4.4/§7: accept a connection, read one framed request, answer it
// (optionally streaming a blob), then idle until the next request or a
// timeout closes the connection.
package server

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blobmesh/blobmesh/blobctx"
	"github.com/blobmesh/blobmesh/blobhash"
	"github.com/blobmesh/blobmesh/config"
	"github.com/blobmesh/blobmesh/manager"
	"github.com/blobmesh/blobmesh/wire"
)

// Server accepts blob exchange connections and serves them against a
// manager.Manager. Grounded on registry/handlers' net/http server
// lifecycle (Listen/Serve/graceful Shutdown), adapted to a raw TCP
// framing protocol instead of HTTP.
type Server struct {
	Manager         *manager.Manager
	LbrycrdAddress  string
	IdleTimeout     time.Duration
	TransferTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer builds a Server with spec.md §6 default timeouts.
func NewServer(m *manager.Manager, lbrycrdAddress string) *Server {
	cfg := config.DefaultServer()
	return &Server{
		Manager:         m,
		LbrycrdAddress:  lbrycrdAddress,
		IdleTimeout:     cfg.IdleTimeout,
		TransferTimeout: cfg.TransferTimeout,
	}
}

// ListenAndServe binds addr and serves connections until ctx is
// cancelled or Close is called.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	blobctx.GetLogger(ctx).WithField("addr", addr).Info("blob server listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return err
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	peerKey := conn.RemoteAddr().String()
	s.Manager.ConnMgr.ConnectionReceived(peerKey)
	defer s.Manager.ConnMgr.IncomingConnectionLost(peerKey)

	log := blobctx.GetLoggerWithField(ctx, "peer", peerKey)
	log.Debug("received connection")

	var buf []byte

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.IdleTimeout))
		chunk := make([]byte, 4096)
		n, err := conn.Read(chunk)
		if n == 0 || err != nil {
			if err != nil {
				log.WithError(err).Debug("closing idle or broken connection")
			}
			return
		}
		buf = append(buf, chunk[:n]...)
		s.Manager.ConnMgr.ReceivedData(peerKey, n)

		if len(buf) >= wire.MaxRequestSize {
			log.Warn("request too large, closing")
			return
		}

		req, rest, ok := parseRequest(buf)
		if !ok {
			continue
		}
		buf = rest

		if err := s.handleRequest(ctx, conn, req, peerKey, log); err != nil {
			log.WithError(err).Debug("request handling ended the connection")
			return
		}
	}
}

// parseRequest scans buf for one complete JSON request object, using the
// last '}' the same way the reference implementation's data_received
// rpartitions on b'}' before attempting to decode.
func parseRequest(buf []byte) (req wire.Request, rest []byte, ok bool) {
	idx := lastIndexByte(buf, '}')
	if idx == -1 {
		return wire.Request{}, buf, false
	}
	if err := json.Unmarshal(buf[:idx+1], &req); err != nil {
		return wire.Request{}, buf, false
	}
	return req, buf[idx+1:], true
}

func lastIndexByte(buf []byte, c byte) int {
	for i := len(buf) - 1; i >= 0; i-- {
		if buf[i] == c {
			return i
		}
	}
	return -1
}

func (s *Server) handleRequest(ctx context.Context, conn net.Conn, req wire.Request, peerKey string, log *logrus.Entry) error {
	resp := wire.Response{}

	if len(req.RequestedBlobs) > 0 {
		available := make([]string, 0, len(req.RequestedBlobs))
		completed := s.Manager.CompletedBlobHashes()
		for _, hashStr := range req.RequestedBlobs {
			h, err := blobhash.Parse(hashStr)
			if err != nil {
				continue
			}
			if _, ok := completed[h]; ok {
				available = append(available, hashStr)
			}
		}
		resp.AvailableBlobs = available
	}

	if req.BlobDataPaymentRate != nil {
		resp.BlobDataPaymentRate = wire.RateAccepted
	}

	var sendHash blobhash.Hash
	var sendBlobLength int64
	shouldSend := false

	if req.RequestedBlob != "" {
		h, err := blobhash.Parse(req.RequestedBlob)
		if err != nil {
			resp.Error = "invalid blob hash"
		} else if s.Manager.IsBlobVerified(h) {
			if b, err := s.Manager.GetBlob(h, 0, false); err == nil && b.Verified() {
				resp.IncomingBlob = &wire.IncomingBlob{BlobHash: req.RequestedBlob, Length: b.Length()}
				sendHash = h
				sendBlobLength = b.Length()
				shouldSend = true
			}
		} else {
			log.WithField("hash", req.RequestedBlob).Debug("don't have requested blob")
		}
	}

	raw, err := resp.Marshal()
	if err != nil {
		return err
	}
	if _, err := conn.Write(raw); err != nil {
		return err
	}
	s.Manager.ConnMgr.SentData(peerKey, len(raw))

	if !shouldSend {
		return nil
	}

	b, err := s.Manager.GetBlob(sendHash, sendBlobLength, false)
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.TransferTimeout)
	defer cancel()
	n, err := b.SendFile(sendCtx, conn)
	if err != nil {
		return err
	}
	s.Manager.ConnMgr.SentData(peerKey, int(n))
	log.WithField("hash", sendHash).WithField("bytes", n).Info("sent blob")
	return nil
}
