package provisioning

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"livegrid/internal/core/domain"
	"livegrid/internal/core/ports"
	"livegrid/pkg/utils"
)

type memoryRoom struct {
	desc    ports.RoomDescriptor
	members map[string]ports.RoomMember
}

// MemoryProvisioner keeps rooms in process. It backs single-node development
// and tests.
type MemoryProvisioner struct {
	signer *TokenSigner
	now    func() time.Time

	mu    sync.Mutex
	rooms map[string]*memoryRoom
}

// NewMemoryProvisioner creates a provisioner holding rooms in memory.
func NewMemoryProvisioner(signer *TokenSigner) *MemoryProvisioner {
	return &MemoryProvisioner{
		signer: signer,
		now:    time.Now,
		rooms:  make(map[string]*memoryRoom),
	}
}

// CreateRoom is idempotent on name, like the real room server.
func (p *MemoryProvisioner) CreateRoom(_ context.Context, name string, metadata map[string]any) (*ports.RoomDescriptor, error) {
	if name == "" {
		return nil, fmt.Errorf("room name is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	room, ok := p.rooms[name]
	if !ok {
		room = &memoryRoom{
			desc: ports.RoomDescriptor{
				SID:       "RM_" + utils.ShortSuffix(utils.NewRequestID(), 12),
				Name:      name,
				CreatedAt: p.now().UTC(),
				Metadata:  metadata,
			},
			members: make(map[string]ports.RoomMember),
		}
		p.rooms[name] = room
	}
	desc := room.desc
	return &desc, nil
}

func (p *MemoryProvisioner) DeleteRoom(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.rooms[name]; !ok {
		return domain.ErrRoomNotFound
	}
	delete(p.rooms, name)
	return nil
}

// ListMembers returns members sorted by identity.
func (p *MemoryProvisioner) ListMembers(_ context.Context, name string) ([]ports.RoomMember, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	room, ok := p.rooms[name]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	members := make([]ports.RoomMember, 0, len(room.members))
	for _, m := range room.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Identity < members[j].Identity })
	return members, nil
}

func (p *MemoryProvisioner) IssueAccessToken(_ context.Context, name, identity string, metadata map[string]any) (string, error) {
	p.mu.Lock()
	_, ok := p.rooms[name]
	p.mu.Unlock()
	if !ok {
		return "", domain.ErrRoomNotFound
	}
	return p.signer.AccessToken(name, identity, "", metadata)
}

// Join puts a member into a room as if it had connected to the media plane.
func (p *MemoryProvisioner) Join(name string, member ports.RoomMember) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	room, ok := p.rooms[name]
	if !ok {
		return domain.ErrRoomNotFound
	}
	room.members[member.Identity] = member
	return nil
}

func (p *MemoryProvisioner) Leave(name, identity string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	room, ok := p.rooms[name]
	if !ok {
		return domain.ErrRoomNotFound
	}
	delete(room.members, identity)
	return nil
}

func (p *MemoryProvisioner) HasRoom(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.rooms[name]
	return ok
}
