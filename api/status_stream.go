package api

import (
	"time"

	"awn/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
)

// streamStatus upgrades to a websocket and pushes MonitoringStatus snapshots.
// ?patient_id= narrows the stream to one patient.
func (s *Server) streamStatus(c *gin.Context) {
	filter := c.Query("patient_id")

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Subscribe before the snapshot so no update falls between the two
	statuses, unsubscribe := s.monitor.SubscribeStatus(s.streamBuffer)
	defer unsubscribe()

	s.logger.Info("Status stream opened",
		zap.String("remote", conn.RemoteAddr().String()),
		zap.String("patient_id", filter))

	for _, id := range s.monitor.ActivePatients() {
		if filter != "" && id != filter {
			continue
		}
		if status, ok := s.monitor.Status(id); ok {
			if err := writeStatus(conn, status); err != nil {
				return
			}
		}
	}

	// The reader only serves control frames and notices the client leaving
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			s.logger.Info("Status stream closed by client", zap.String("remote", conn.RemoteAddr().String()))
			return
		case status, ok := <-statuses:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "monitor shutting down"))
				return
			}
			if filter != "" && status.PatientID != filter {
				continue
			}
			if err := writeStatus(conn, status); err != nil {
				s.logger.Debug("Status stream write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeStatus(conn *websocket.Conn, status models.MonitoringStatus) error {
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(status)
}
