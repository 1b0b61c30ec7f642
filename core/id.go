package core

import (
	"github.com/google/uuid"

	"pkt.systems/accountdeck/schema"
)

func newSurfaceID() schema.SurfaceID {
	return schema.SurfaceID(uuid.NewString())
}
