package annotatorservice

import (
	"strings"
	"sync"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
)

// WsConn is interface for websocket handling in the service
type WsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	WriteJSON(v interface{}) error
}

// WSConnKeeper tracks live websocket connections by the job id they
// subscribed to. A client subscribes by sending the job id as a text message,
// resending switches the subscription
type WSConnKeeper struct {
	jobConns map[string]map[WsConn]struct{}
	connJob  map[WsConn]string
	lock     *sync.Mutex
	timeOut  time.Duration
}

// NewWSConnKeeper creates manager
func NewWSConnKeeper() *WSConnKeeper {
	res := &WSConnKeeper{}
	res.jobConns = make(map[string]map[WsConn]struct{})
	res.connJob = make(map[WsConn]string)
	res.lock = &sync.Mutex{}
	res.timeOut = time.Minute * 30 // drop idle connections eventually
	return res
}

// HandleConnection loops while the connection is active, registering it
// under every job id the client sends
func (kp *WSConnKeeper) HandleConnection(conn WsConn) error {
	defer kp.deleteConnection(conn)
	defer conn.Close()
	readCh := make(chan string)
	go func() {
		defer close(readCh)
		defer goapp.Log.Debug().Msg("read routine ended")
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				goapp.Log.Error().Err(err).Send()
				return
			}
			msg := strings.TrimSpace(string(message))
			goapp.Log.Debug().Str("msg", goapp.Sanitize(msg)).Msg("got msg")
			if msg != "" {
				readCh <- msg
			} else {
				time.Sleep(20 * time.Millisecond)
			}
		}
	}()

	ta := time.After(kp.timeOut)
loop:
	for {
		select {
		case <-ta:
			goapp.Log.Debug().Msg("conn timeouted")
			break loop
		case msg, ok := <-readCh:
			if !ok {
				goapp.Log.Debug().Msg("conn read closed?")
				break loop
			}
			kp.saveConnection(conn, msg)
			ta = time.After(kp.timeOut)
		}
	}
	goapp.Log.Info().Msg("handleConnection finish")
	return nil
}

func (kp *WSConnKeeper) deleteConnection(conn WsConn) {
	kp.lock.Lock()
	defer kp.lock.Unlock()
	kp.deleteConnectionNoSync(conn)
}

func (kp *WSConnKeeper) deleteConnectionNoSync(conn WsConn) {
	jobID, found := kp.connJob[conn]
	if found {
		conns, found := kp.jobConns[jobID]
		if found {
			delete(conns, conn)
			if len(conns) == 0 {
				delete(kp.jobConns, jobID)
			}
		}
	}
	delete(kp.connJob, conn)
	goapp.Log.Debug().Int("active", len(kp.connJob)).Msg("deleteConnection finish")
}

func (kp *WSConnKeeper) saveConnection(conn WsConn, jobID string) {
	goapp.Log.Info().Str("job", goapp.Sanitize(jobID)).Msg("subscribe")
	kp.lock.Lock()
	defer kp.lock.Unlock()
	kp.deleteConnectionNoSync(conn)
	kp.connJob[conn] = jobID
	conns, found := kp.jobConns[jobID]
	if !found {
		conns = map[WsConn]struct{}{}
		kp.jobConns[jobID] = conns
	}
	conns[conn] = struct{}{}
	goapp.Log.Info().Int("active", len(kp.connJob)).Msg("saveConnection finish")
}

// GetConnections returns connections subscribed to the job
func (kp *WSConnKeeper) GetConnections(jobID string) ([]WsConn, bool) {
	kp.lock.Lock()
	defer kp.lock.Unlock()
	cm, found := kp.jobConns[jobID]
	if found {
		res := []WsConn{}
		for c := range cm {
			res = append(res, c)
		}
		return res, true
	}
	goapp.Log.Debug().Str("job", goapp.Sanitize(jobID)).Msgf("no ws connections")
	return nil, false
}
