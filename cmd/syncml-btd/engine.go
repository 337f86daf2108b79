//go:build linux

package main

import (
	"errors"
	"io"
	"os"

	"go.uber.org/zap"

	"syncml-bt/internal/connmgr"
)

var _ connmgr.Engine = (*logEngine)(nil)

// logEngine stands in for the SyncML protocol engine: it logs what the
// peer sends and ends the session when the peer hangs up.
type logEngine struct {
	m   *connmgr.Manager
	log *zap.Logger
}

func (e *logEngine) Connected(fd int, address string) {
	log := e.log.With(zap.String("address", address), zap.Int("fd", fd))
	log.Info("session started")
	f := os.NewFile(uintptr(fd), "rfcomm-"+address)
	go func() {
		defer f.Close()
		buf := make([]byte, rfcommMTU)
		var total int
		for {
			n, err := f.Read(buf)
			total += n
			if n > 0 {
				log.Debug("received", zap.Int("bytes", n))
			}
			if err != nil {
				failed := !errors.Is(err, io.EOF)
				if failed {
					log.Warn("session read failed", zap.Error(err))
				}
				log.Info("session finished", zap.Int("bytes", total))
				e.m.Post(func() { e.m.HandleSyncFinished(failed) })
				return
			}
		}
	}()
}

// rfcommMTU is the largest RFCOMM frame payload.
const rfcommMTU = 32767
