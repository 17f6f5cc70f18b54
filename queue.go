package vkasync

import (
	"fmt"
	"strings"
)

// QueueCapability is the set of operations a queue family advertises.
// The bit values match VkQueueFlagBits.
type QueueCapability uint32

const (
	QueueGraphics QueueCapability = 1 << iota
	QueueCompute
	QueueTransfer
)

// Has reports whether every bit in c is advertised.
func (q QueueCapability) Has(c QueueCapability) bool {
	return q&c == c
}

func (q QueueCapability) String() string {
	if q == 0 {
		return "none"
	}
	var parts []string
	if q.Has(QueueGraphics) {
		parts = append(parts, "graphics")
	}
	if q.Has(QueueCompute) {
		parts = append(parts, "compute")
	}
	if q.Has(QueueTransfer) {
		parts = append(parts, "transfer")
	}
	if rest := q &^ (QueueGraphics | QueueCompute | QueueTransfer); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// QueueFamilyInfo describes one queue family of a physical device.
type QueueFamilyInfo struct {
	Index uint32
	Flags QueueCapability
	Count uint32
}

// Role is the purpose a queue is used for.
type Role int

const (
	RoleGraphics Role = iota
	RoleCompute
	RoleTransfer

	roleCount = 3
)

func (r Role) String() string {
	switch r {
	case RoleGraphics:
		return "graphics"
	case RoleCompute:
		return "compute"
	case RoleTransfer:
		return "transfer"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

func (r Role) valid() bool {
	return r >= 0 && r < roleCount
}

// QueueRoleIndices holds the family index chosen for each role.
//
// Indices may overlap: a single family can serve several roles.
type QueueRoleIndices struct {
	Graphics uint32
	Compute  uint32
	Transfer uint32
}

// Index returns the family index for role.
func (q QueueRoleIndices) Index(r Role) uint32 {
	switch r {
	case RoleCompute:
		return q.Compute
	case RoleTransfer:
		return q.Transfer
	default:
		return q.Graphics
	}
}

// Distinct returns the distinct family indices in role order
// (graphics, compute, transfer).
func (q QueueRoleIndices) Distinct() []uint32 {
	out := []uint32{q.Graphics}
	if q.Compute != q.Graphics {
		out = append(out, q.Compute)
	}
	if q.Transfer != q.Graphics && q.Transfer != q.Compute {
		out = append(out, q.Transfer)
	}
	return out
}

// QueueCreateInfo describes one queue family to enable at device creation.
type QueueCreateInfo struct {
	Family     uint32
	Priorities []float32
}

// CreateInfos returns one create info per distinct family, each requesting a
// single queue at priority 1.0.
func (q QueueRoleIndices) CreateInfos() []QueueCreateInfo {
	families := q.Distinct()
	infos := make([]QueueCreateInfo, 0, len(families))
	for _, family := range families {
		infos = append(infos, QueueCreateInfo{Family: family, Priorities: []float32{1.0}})
	}
	return infos
}

// SelectQueues picks queue family indices for the graphics, compute and
// transfer roles.
//
// Graphics is the first graphics-capable family. Compute and transfer
// prefer a family that does not also do graphics, so that work can run
// alongside rendering, and fall back to a graphics-capable family. Among
// equally eligible families the lowest index wins.
func SelectQueues(families []QueueFamilyInfo) (QueueRoleIndices, error) {
	var q QueueRoleIndices

	graphics, ok := findFamily(families, QueueGraphics)
	if !ok {
		return q, ErrNoGraphicsQueue
	}
	compute, ok := findFamilyAvoiding(families, QueueCompute, QueueGraphics)
	if !ok {
		return q, ErrNoComputeQueue
	}
	transfer, ok := findFamilyAvoiding(families, QueueTransfer, QueueGraphics)
	if !ok {
		return q, ErrNoTransferQueue
	}

	q.Graphics, q.Compute, q.Transfer = graphics, compute, transfer
	return q, nil
}

// IsSuitable reports whether every role can be served by families.
func IsSuitable(families []QueueFamilyInfo) bool {
	_, err := SelectQueues(families)
	return err == nil
}

func findFamily(families []QueueFamilyInfo, want QueueCapability) (uint32, bool) {
	for _, f := range families {
		if f.Count > 0 && f.Flags.Has(want) {
			return f.Index, true
		}
	}
	return 0, false
}

// findFamilyAvoiding returns the lowest-indexed family with want that lacks
// avoid, or failing that the lowest-indexed family with want.
func findFamilyAvoiding(families []QueueFamilyInfo, want, avoid QueueCapability) (uint32, bool) {
	var (
		fallback uint32
		found    bool
	)
	for _, f := range families {
		if f.Count == 0 || !f.Flags.Has(want) {
			continue
		}
		if f.Flags&avoid == 0 {
			return f.Index, true
		}
		if !found {
			fallback, found = f.Index, true
		}
	}
	return fallback, found
}
