// ABOUTME: Operation identifiers, state vectors and priority ordering
// ABOUTME: An ID is (client, clock); a state vector holds the next expected clock per client

package crdt

import (
	"encoding/binary"
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"
)

// ClientID identifies one replica session.
type ClientID uint64

// NewClientID draws a random client id.
func NewClientID() ClientID {
	u := uuid.New()
	return ClientID(binary.BigEndian.Uint64(u[:8]))
}

// ID names one operation: the clock-th operation issued by Client.
type ID struct {
	Client ClientID
	Clock  uint64
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

// StateVector maps each client to the next clock expected from it, i.e. the
// number of that client's operations integrated so far.
type StateVector map[ClientID]uint64

// Covers reports whether the operation id has been integrated.
func (sv StateVector) Covers(id ID) bool {
	return sv[id.Client] > id.Clock
}

// Clone returns an independent copy.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	maps.Copy(out, sv)
	return out
}

// Clients lists the clients in ascending order.
func (sv StateVector) Clients() []ClientID {
	return slices.Sorted(maps.Keys(sv))
}

// Equal reports whether both vectors describe the same set of operations.
func (sv StateVector) Equal(other StateVector) bool {
	for c, clock := range sv {
		if clock != 0 && other[c] != clock {
			return false
		}
	}
	for c, clock := range other {
		if clock != 0 && sv[c] != clock {
			return false
		}
	}
	return true
}

// priority orders concurrent writes: higher lamport wins, client breaks ties.
type priority struct {
	lamport uint64
	client  ClientID
}

func (p priority) less(o priority) bool {
	if p.lamport != o.lamport {
		return p.lamport < o.lamport
	}
	return p.client < o.client
}

func compareIDs(a, b ID) int {
	switch {
	case a.Client < b.Client:
		return -1
	case a.Client > b.Client:
		return 1
	case a.Clock < b.Clock:
		return -1
	case a.Clock > b.Clock:
		return 1
	}
	return 0
}
