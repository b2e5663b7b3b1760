package database

import "time"

// Transcription is one spoken utterance, converted to text by a node's
// local speech-to-text engine and gossiped across the cluster.
type Transcription struct {
	ID         string
	Timestamp  int64
	Text       string
	SourceNode string
	DeviceID   string
	Synced     bool
}

// Peer tracks the replication cursor for one remote node: the point up to
// which this node has pulled that peer's transcription log.
type Peer struct {
	NodeID            string
	LastSeen          time.Time
	LastSyncTimestamp int64
}
