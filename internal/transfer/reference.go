package transfer

import (
	"fmt"
	"strconv"
	"strings"
)

// Shape is the addressing form of a reference.
type Shape int

const (
	// ShapePublic is /<name>/<id>.
	ShapePublic Shape = iota
	// ShapePrivateNumeric is /c/<numeric chat>/<id>.
	ShapePrivateNumeric
	// ShapePrivateNamed is /b/<name>/<id>.
	ShapePrivateNamed
)

func (s Shape) String() string {
	switch s {
	case ShapePrivateNumeric:
		return "private_numeric"
	case ShapePrivateNamed:
		return "private_named"
	default:
		return "public"
	}
}

const maxShapeAttempts = 3

// Reference locates one item on the platform.
type Reference struct {
	Link   string `json:"link"`
	Shape  Shape  `json:"shape"`
	Chat   string `json:"chat"`
	ItemID int64  `json:"item_id"`
}

// ParseReference parses a message link. Query strings such as "?single" are
// dropped and offset is added to the item id.
func ParseReference(link string, offset int64) (Reference, error) {
	raw := strings.TrimSpace(link)
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "https://"), "http://")
	segs := strings.Split(strings.Trim(raw, "/"), "/")
	if len(segs) > 0 && strings.Contains(segs[0], ".") {
		segs = segs[1:]
	}

	ref := Reference{Link: strings.TrimSpace(link)}
	var idPart string
	switch {
	case len(segs) == 3 && segs[0] == "c":
		if _, err := strconv.ParseInt(segs[1], 10, 64); err != nil {
			return Reference{}, fmt.Errorf("%w: chat %q is not numeric", ErrInvalidReference, segs[1])
		}
		ref.Shape, ref.Chat, idPart = ShapePrivateNumeric, segs[1], segs[2]
	case len(segs) == 3 && segs[0] == "b":
		ref.Shape, ref.Chat, idPart = ShapePrivateNamed, segs[1], segs[2]
	case len(segs) == 2:
		ref.Shape, ref.Chat, idPart = ShapePublic, segs[0], segs[1]
	default:
		return Reference{}, fmt.Errorf("%w: %q", ErrInvalidReference, link)
	}
	if ref.Chat == "" {
		return Reference{}, fmt.Errorf("%w: empty chat in %q", ErrInvalidReference, link)
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return Reference{}, fmt.Errorf("%w: item id %q", ErrInvalidReference, idPart)
	}
	ref.ItemID = id + offset
	if ref.ItemID <= 0 {
		return Reference{}, fmt.Errorf("%w: item id %d out of range", ErrInvalidReference, ref.ItemID)
	}
	return ref, nil
}

// Private reports whether reading the reference needs a full-access credential.
func (r Reference) Private() bool { return r.Shape != ShapePublic }

// ChatID is the platform chat identifier; numeric private chats carry the
// channel prefix.
func (r Reference) ChatID() string {
	if r.Shape == ShapePrivateNumeric {
		return "-100" + r.Chat
	}
	return r.Chat
}

// WithOffset returns the reference shifted by n items.
func (r Reference) WithOffset(n int64) Reference {
	r.ItemID += n
	return r
}

func (r Reference) String() string {
	switch r.Shape {
	case ShapePrivateNumeric:
		return fmt.Sprintf("c/%s/%d", r.Chat, r.ItemID)
	case ShapePrivateNamed:
		return fmt.Sprintf("b/%s/%d", r.Chat, r.ItemID)
	default:
		return fmt.Sprintf("%s/%d", r.Chat, r.ItemID)
	}
}

// Candidates lists the shapes to try in order, starting with r itself.
func (r Reference) Candidates() []Reference {
	out := []Reference{r}
	alt := r
	switch r.Shape {
	case ShapePublic, ShapePrivateNumeric:
		alt.Shape = ShapePrivateNamed
		out = append(out, alt)
	case ShapePrivateNamed:
		if _, err := strconv.ParseInt(r.Chat, 10, 64); err == nil {
			alt.Shape = ShapePrivateNumeric
			out = append(out, alt)
		}
	}
	if len(out) > maxShapeAttempts {
		out = out[:maxShapeAttempts]
	}
	return out
}
