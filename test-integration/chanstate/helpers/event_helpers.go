package helpers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	v1 "github.com/stacklok/chanstate/internal/api/v1"
)

// EventStream reads server-sent change events from /api/v1/events
type EventStream struct {
	resp   *http.Response
	cancel context.CancelFunc
	events chan v1.EventMessage
}

// OpenEventStream subscribes to the event stream of the named managers, or
// all of them when none are given. It returns once the server has confirmed
// the subscription.
func (s *ServerTestHelper) OpenEventStream(managers ...string) (*EventStream, error) {
	path := s.baseURL + "/api/v1/events"
	if len(managers) > 0 {
		path += "?manager=" + strings.Join(managers, ",")
	}

	ctx, cancel := context.WithCancel(s.ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	// The shared client has a timeout that would cut the stream.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": connected") {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("event stream did not confirm the subscription: %q %v", line, err)
	}

	es := &EventStream{resp: resp, cancel: cancel, events: make(chan v1.EventMessage, 64)}
	go es.read(reader)
	return es, nil
}

func (es *EventStream) read(reader *bufio.Reader) {
	defer close(es.events)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: ")
		if !ok {
			continue
		}
		var msg v1.EventMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		es.events <- msg
	}
}

// Events delivers decoded events until the stream ends
func (es *EventStream) Events() <-chan v1.EventMessage {
	return es.events
}

// Close ends the subscription
func (es *EventStream) Close() {
	es.cancel()
	_ = es.resp.Body.Close()
}
