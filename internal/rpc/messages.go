package rpc

import (
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Item is one representation of the clipboard content.
type Item struct {
	Mime string `json:"mime"`
	Data []byte `json:"data,omitempty"`
}

type CopyRequest struct {
	Source string `json:"source,omitempty"`
	Items  []Item `json:"items"`
	// Store hands the content to the native clipboard right away.
	Store bool `json:"store,omitempty"`
}

type CopyResponse struct{}

type PasteRequest struct {
	// Accepts lists MIME types in preference order. Empty takes whatever the
	// clipboard offers first.
	Accepts []string `json:"accepts,omitempty"`
}

type PasteResponse struct {
	Item Item `json:"item"`
}

type ClearRequest struct{}

type ClearResponse struct{}

type StoreRequest struct{}

type StoreResponse struct{}

type StatusRequest struct{}

type StatusResponse struct {
	Version    string                 `json:"version,omitempty"`
	Backend    string                 `json:"backend"`
	Owner      uint64                 `json:"owner"`
	Self       bool                   `json:"self"`
	Generation uint64                 `json:"generation"`
	ChangedAt  *timestamppb.Timestamp `json:"changed_at,omitempty"`
	Source     string                 `json:"source,omitempty"`
	Types      []string               `json:"types,omitempty"`
	Queued     int                    `json:"queued"`
	Retrying   int                    `json:"retrying"`
	Advertised int                    `json:"advertised"`
	Watchers   int                    `json:"watchers"`
}

type WatchRequest struct{}

// WatchResponse reports a change of clipboard content. Local is set for
// copies made through this daemon; Owner is the native owner otherwise.
type WatchResponse struct {
	Source string                 `json:"source,omitempty"`
	Local  bool                   `json:"local,omitempty"`
	Owner  uint64                 `json:"owner,omitempty"`
	Types  []string               `json:"types,omitempty"`
	At     *timestamppb.Timestamp `json:"at,omitempty"`
}
