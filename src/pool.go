package paint

import (
	"math/rand"
)

// ImagePool keeps a history of previously generated images so the
// discriminator also sees older fakes. It is never cleared.
type ImagePool struct {
	capacity int
	images   []*Tensor // each [1, H, W, C]
	rng      *rand.Rand
}

// NewImagePool returns a pool holding at most capacity images. A zero
// capacity disables pooling.
func NewImagePool(capacity int, rng *rand.Rand) *ImagePool {
	if capacity < 0 {
		capacity = 0
	}
	return &ImagePool{
		capacity: capacity,
		images:   make([]*Tensor, 0, capacity),
		rng:      rng,
	}
}

// Query returns a batch of the same shape as images. Each item is either the
// incoming image or, once the pool is full and a fair coin says so, a stored
// image that the incoming one replaces.
func (p *ImagePool) Query(images Detached) Detached {
	if p.capacity == 0 {
		return images
	}
	in := images.Tensor()
	out := NewTensor(in.shape...)
	for i := 0; i < in.shape[0]; i++ {
		image := in.Sample(i)
		if len(p.images) < p.capacity {
			p.images = append(p.images, image)
			out.setSample(i, image)
			continue
		}
		if p.rng.Float64() > 0.5 {
			slot := p.rng.Intn(p.capacity)
			out.setSample(i, p.images[slot])
			p.images[slot] = image
		} else {
			out.setSample(i, image)
		}
	}
	return Detached{t: out}
}

// Len is the number of stored images.
func (p *ImagePool) Len() int {
	return len(p.images)
}

func (p *ImagePool) Capacity() int {
	return p.capacity
}
