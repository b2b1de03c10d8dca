// ABOUTME: Primitive operations exchanged between replicas
// ABOUTME: Map set/delete and array insert/delete, addressed to a container

package crdt

// OpKind selects the primitive an Op performs.
type OpKind uint8

const (
	OpMapSet OpKind = iota + 1
	OpMapDelete
	OpArrayInsert
	OpArrayDelete
)

func (k OpKind) String() string {
	switch k {
	case OpMapSet:
		return "map_set"
	case OpMapDelete:
		return "map_delete"
	case OpArrayInsert:
		return "array_insert"
	case OpArrayDelete:
		return "array_delete"
	}
	return "unknown"
}

// ContentType says what an inserted value is: a plain Any or a new nested
// container whose id is the id of the inserting op.
type ContentType uint8

const (
	ContentAny ContentType = iota
	ContentMap
	ContentArray
)

// ContainerRef addresses a container. Named top-level containers have Name
// set; nested containers are named by the op that created them.
type ContainerRef struct {
	Name string
	ID   ID
}

// IsRoot reports whether the reference names a top-level container.
func (r ContainerRef) IsRoot() bool {
	return r.Name != ""
}

func (r ContainerRef) String() string {
	if r.IsRoot() {
		return r.Name
	}
	return "#" + r.ID.String()
}

// Op is one replicated change.
type Op struct {
	ID        ID
	Lamport   uint64
	Kind      OpKind
	Container ContainerRef

	// Key is set for map ops.
	Key string

	// Origin is the left neighbour of an array insert; HasOrigin false
	// means the insert goes to the head.
	Origin    ID
	HasOrigin bool

	// Target is the element removed by an array delete.
	Target ID

	Content ContentType
	Value   Any
}

func (op *Op) priority() priority {
	return priority{lamport: op.Lamport, client: op.ID.Client}
}

// deps lists the operations that must be integrated before op.
func (op *Op) deps() []ID {
	var out []ID
	if !op.Container.IsRoot() {
		out = append(out, op.Container.ID)
	}
	if op.Kind == OpArrayInsert && op.HasOrigin {
		out = append(out, op.Origin)
	}
	if op.Kind == OpArrayDelete {
		out = append(out, op.Target)
	}
	return out
}
