// Package transformer provides implementations of the publisher.Transformer
// interface.
package transformer

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/maxpert/ldapnotify/publisher"
)

func init() {
	publisher.RegisterTransformer("json", func() publisher.Transformer {
		return NewJSONTransformer()
	})
}

// JSONTransformer renders an entry as one flat JSON object:
//
//	{"id":42,"dn":"uid=a,dc=x","op":"modify","ts_ms":...,"source":{...}}
//
// Rename entries carry newrdn, newsuperior and deleteoldrdn. Bodies that are
// not valid UTF-8 are emitted base64 encoded under body_b64.
type JSONTransformer struct {
	connectorName string
}

// NewJSONTransformer creates a new JSON transformer
func NewJSONTransformer() *JSONTransformer {
	return &JSONTransformer{connectorName: "ldapnotify"}
}

type jsonMessage struct {
	ID           uint64     `json:"id"`
	DN           string     `json:"dn"`
	Op           string     `json:"op"`
	NewRDN       string     `json:"newrdn,omitempty"`
	NewSuperior  string     `json:"newsuperior,omitempty"`
	DeleteOldRDN bool       `json:"deleteoldrdn,omitempty"`
	Body         string     `json:"body,omitempty"`
	BodyB64      []byte     `json:"body_b64,omitempty"`
	TsMs         int64      `json:"ts_ms"`
	Source       jsonSource `json:"source"`
}

type jsonSource struct {
	Connector string `json:"connector"`
	NodeID    uint64 `json:"node_id"`
}

// Transform converts an event to JSON
func (j *JSONTransformer) Transform(event publisher.Event) ([]byte, error) {
	if !event.Command.Valid() {
		return nil, fmt.Errorf("entry %d has invalid command %s", event.TxnID, event.Command)
	}

	msg := jsonMessage{
		ID:           event.TxnID,
		DN:           event.DN,
		Op:           event.Command.String(),
		NewRDN:       event.NewRDN,
		NewSuperior:  event.NewSuperior,
		DeleteOldRDN: event.DeleteOldRDN,
		TsMs:         event.CommitTS,
		Source: jsonSource{
			Connector: j.connectorName,
			NodeID:    event.NodeID,
		},
	}
	if utf8.Valid(event.Body) {
		msg.Body = string(event.Body)
	} else {
		msg.BodyB64 = event.Body
	}

	return json.Marshal(msg)
}

// Tombstone returns nil, which Kafka treats as a delete marker on compacted topics
func (j *JSONTransformer) Tombstone(key string) []byte {
	return nil
}

var _ publisher.Transformer = (*JSONTransformer)(nil)
