// Package ids defines the typed opaque identifiers shared across the execution core.
package ids

import "github.com/google/uuid"

type (
	TaskID         string
	ContextID      string
	MessageID      string
	ArtifactID     string
	AIToolCallID   string
	MCPExecutionID string
	SessionID      string
)

func NewTaskID() TaskID                 { return TaskID(uuid.NewString()) }
func NewContextID() ContextID           { return ContextID(uuid.NewString()) }
func NewMessageID() MessageID           { return MessageID(uuid.NewString()) }
func NewArtifactID() ArtifactID         { return ArtifactID(uuid.NewString()) }
func NewAIToolCallID() AIToolCallID     { return AIToolCallID("call_" + uuid.NewString()) }
func NewMCPExecutionID() MCPExecutionID { return MCPExecutionID(uuid.NewString()) }
func NewSessionID() SessionID           { return SessionID(uuid.NewString()) }

func (id TaskID) String() string         { return string(id) }
func (id ContextID) String() string      { return string(id) }
func (id MessageID) String() string      { return string(id) }
func (id ArtifactID) String() string     { return string(id) }
func (id AIToolCallID) String() string   { return string(id) }
func (id MCPExecutionID) String() string { return string(id) }
func (id SessionID) String() string      { return string(id) }
