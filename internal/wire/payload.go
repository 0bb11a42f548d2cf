package wire

import "encoding/json"

// ResponsePayload is the content of every type=response message.
type ResponsePayload struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (p ResponsePayload) Encode() json.RawMessage {
	raw, _ := json.Marshal(p)
	return raw
}

func DecodeResponsePayload(raw json.RawMessage) (ResponsePayload, error) {
	var p ResponsePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, NewError(KindProtocol, "decode_response_payload", err)
	}
	return p, nil
}

// ListEntry is one child of a list response's data array.
type ListEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
}

// SyncFileMetadata mirrors the FileRecord fields relevant to replication,
// embedded in sync_file and sync_metadata payloads.
type SyncFileMetadata struct {
	Filepath          string  `json:"filepath"`
	Checksum          string  `json:"checksum"`
	Size              int64   `json:"size"`
	Version           int64   `json:"version"`
	ModifiedTime      float64 `json:"modified_time"`
	CreatedTime       float64 `json:"created_time"`
	OriginatingNodeID string  `json:"originating_node_id"`
	LastOperation     string  `json:"last_operation"`
	IsDeleted         bool    `json:"is_deleted"`
}

// SyncFilePayload is the content of a sync/sync_file message.
type SyncFilePayload struct {
	Data     string           `json:"data,omitempty"` // base64; absent for delete
	Metadata SyncFileMetadata `json:"metadata"`
}

func (p SyncFilePayload) Encode() json.RawMessage {
	raw, _ := json.Marshal(p)
	return raw
}

func DecodeSyncFilePayload(raw json.RawMessage) (SyncFilePayload, error) {
	var p SyncFilePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, NewError(KindProtocol, "decode_sync_file_payload", err)
	}
	return p, nil
}

// SyncMetadataPayload is the content of a sync/sync_metadata message: the
// full record set of the sender, tombstones included (see Open Questions:
// this implementation exposes the full-set variant, not a delta).
type SyncMetadataPayload struct {
	Records []SyncFileMetadata `json:"records"`
}

func (p SyncMetadataPayload) Encode() json.RawMessage {
	raw, _ := json.Marshal(p)
	return raw
}

func DecodeSyncMetadataPayload(raw json.RawMessage) (SyncMetadataPayload, error) {
	var p SyncMetadataPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, NewError(KindProtocol, "decode_sync_metadata_payload", err)
	}
	return p, nil
}

// HeartbeatPayload is the content of heartbeat/ping and heartbeat/pong
// messages: an opaque process-stats snapshot plus enough addressing
// information for the receiver to register the sender as a peer.
type HeartbeatPayload struct {
	NodeID string          `json:"node_id"`
	TCPPort int            `json:"tcp_port"`
	Stats  json.RawMessage `json:"stats,omitempty"`
}

func (p HeartbeatPayload) Encode() json.RawMessage {
	raw, _ := json.Marshal(p)
	return raw
}

func DecodeHeartbeatPayload(raw json.RawMessage) (HeartbeatPayload, error) {
	var p HeartbeatPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, NewError(KindProtocol, "decode_heartbeat_payload", err)
	}
	return p, nil
}

// DiscoveryPayload is the content of a discovery/announce datagram.
type DiscoveryPayload struct {
	NodeID  string `json:"node_id"`
	TCPPort int    `json:"port"`
	Version string `json:"version"`
}

func (p DiscoveryPayload) Encode() json.RawMessage {
	raw, _ := json.Marshal(p)
	return raw
}

func DecodeDiscoveryPayload(raw json.RawMessage) (DiscoveryPayload, error) {
	var p DiscoveryPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, NewError(KindProtocol, "decode_discovery_payload", err)
	}
	return p, nil
}
