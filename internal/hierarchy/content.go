package hierarchy

import (
	"sync/atomic"

	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/pkg/models"
)

// Command is the pending action recorded on an instance between write and flush.
type Command int32

const (
	CommandNone Command = iota
	CommandWrite
)

func (c Command) String() string {
	switch c {
	case CommandWrite:
		return "write"
	default:
		return "none"
	}
}

// InstanceContent is the cached state of one instance file or pending temp file.
type InstanceContent struct {
	instance models.Instance
	size     atomic.Int64
	offset   atomic.Int64
	command  atomic.Int32
}

// NewInstanceContent wraps inst. Use a zero Instance for temp files.
func NewInstanceContent(inst models.Instance) *InstanceContent {
	return &InstanceContent{instance: inst}
}

// Instance returns the remote descriptor.
func (c *InstanceContent) Instance() models.Instance { return c.instance }

// Size returns the materialized byte size, 0 until known.
func (c *InstanceContent) Size() int64 { return c.size.Load() }

// SetSize records the materialized size.
func (c *InstanceContent) SetSize(n int64) { c.size.Store(n) }

// Offset returns the write-offset counter.
func (c *InstanceContent) Offset() int64 { return c.offset.Load() }

// SetOffset sets the write-offset counter.
func (c *InstanceContent) SetOffset(n int64) { c.offset.Store(n) }

// Command returns the pending command.
func (c *InstanceContent) Command() Command { return Command(c.command.Load()) }

// SetCommand replaces the pending command.
func (c *InstanceContent) SetCommand(cmd Command) { c.command.Store(int32(cmd)) }

// TakeCommand atomically resets the command to none if it equals want.
func (c *InstanceContent) TakeCommand(want Command) bool {
	return c.command.CompareAndSwap(int32(want), int32(CommandNone))
}
