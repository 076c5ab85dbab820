package types

import "time"

// ServerPublicKey is returned in the clear by GET /node/key.
type ServerPublicKey struct {
	PublicKey string `json:"public_key"`
}

// NodeJoinRequest is the bootstrap payload of POST /node/join. The
// signature and checksum cover the string "id:public_key".
type NodeJoinRequest struct {
	ID        string        `json:"id"`
	Type      ComponentType `json:"type"`
	PublicKey string        `json:"public_key"` // transfer-encoded
	Version   string        `json:"version"`
	Signature string        `json:"signature"`
	Checksum  string        `json:"checksum"`

	MachineSystem string `json:"machine_system,omitempty"`
	MachineMAC    string `json:"machine_mac,omitempty"`
	MachineNode   string `json:"machine_node,omitempty"`
}

// JoinData is the hybrid-encrypted answer to a successful join.
type JoinData struct {
	ID        string `json:"id"`
	Token     string `json:"token"`
	PublicKey string `json:"public_key"`
}

// Metadata is what a client advertises about its local datasources.
type Metadata struct {
	DataSources []DataSource `json:"datasources"`
}

// Action names the next thing a client should do.
type Action string

const (
	ActionInit            Action = "INIT"
	ActionDoNothing       Action = "DO_NOTHING"
	ActionExecute         Action = "EXECUTE"
	ActionUpdateClient    Action = "UPDATE_CLIENT"
	ActionUpdateServerKey Action = "UPDATE_SERVER_KEY"
	ActionClientExit      Action = "CLIENT_EXIT"
)

// ClientUpdate is posted by the client on every heartbeat and carries
// its current action state.
type ClientUpdate struct {
	Action Action `json:"action"`

	// ServerKeyChecksum is the checksum of the server key the client
	// has persisted, so the coordinator can order a refresh when the
	// stored key went stale.
	ServerKeyChecksum string `json:"server_key_checksum,omitempty"`
}

// UpdateData is the coordinator's answer to a heartbeat. Exactly one
// variant is meaningful per response, selected by Action.
type UpdateData struct {
	Action     Action          `json:"action"`
	JobID      string          `json:"job_id,omitempty"`
	JobKind    JobKind         `json:"job_kind,omitempty"`
	Parameters *TaskParameters `json:"parameters,omitempty"`
	PublicKey  string          `json:"public_key,omitempty"`
}

// TaskParameters is everything a component needs to execute one job.
type TaskParameters struct {
	JobID      string    `json:"job_id"`
	JobKind    JobKind   `json:"job_kind"`
	Artifact   Artifact  `json:"artifact"`
	Iteration  int       `json:"iteration"`
	ContentIDs []string  `json:"content_ids"`
	IssuedAt   time.Time `json:"issued_at"`
}

// TaskMetrics is an opaque metrics document a component may upload
// alongside its result.
type TaskMetrics struct {
	JobID  string             `json:"job_id"`
	Source string             `json:"source"`
	Scores map[string]float64 `json:"scores"`
}

// TaskError reports a failed job. It is absorbed into the artifact
// state machine, never re-thrown to the HTTP layer.
type TaskError struct {
	JobID      string `json:"job_id"`
	Message    string `json:"message"`
	StackTrace string `json:"stack_trace,omitempty"`
}

// ArtifactStatusReply answers submit and status requests.
type ArtifactStatusReply struct {
	ArtifactID string         `json:"artifact_id"`
	Status     ArtifactStatus `json:"status"`
	Iteration  int            `json:"iteration"`
}
