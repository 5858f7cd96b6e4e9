// Package vecmath provides the distance kernels used by the vector index.
//
// Two dot-product kernels exist: a scalar loop that is valid everywhere and a
// lane-unrolled kernel that keeps eight independent accumulators so the CPU
// can pipeline the multiply-adds on wide SIMD units. The kernel is chosen once
// at startup from detected CPU features; both produce the same result within
// float32 rounding tolerance.
package vecmath

import (
	"fmt"
	"math"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// Kernel is a dot-product implementation.
type Kernel struct {
	Name string
	Dot  func(a, b []float32) float32
}

// Kernel names accepted by Select.
const (
	KernelAuto     = "auto"
	KernelScalar   = "scalar"
	KernelUnrolled = "unrolled"
)

var (
	scalar   = &Kernel{Name: KernelScalar, Dot: DotScalar}
	unrolled = &Kernel{Name: KernelUnrolled, Dot: DotUnrolled}

	active atomic.Pointer[Kernel]
)

func init() {
	active.Store(detect())
}

// detect picks the unrolled kernel when the CPU has wide vector units.
func detect() *Kernel {
	if cpu.X86.HasAVX2 || cpu.X86.HasAVX512F || cpu.ARM64.HasASIMD {
		return unrolled
	}
	return scalar
}

// Select installs the named kernel ("auto", "scalar" or "unrolled") and
// returns it. It is meant to be called once during startup.
func Select(name string) (Kernel, error) {
	var k *Kernel
	switch name {
	case "", KernelAuto:
		k = detect()
	case KernelScalar:
		k = scalar
	case KernelUnrolled:
		k = unrolled
	default:
		return Kernel{}, fmt.Errorf("vecmath: unknown kernel %q", name)
	}
	active.Store(k)
	return *k, nil
}

// Active returns the kernel currently in use.
func Active() Kernel {
	return *active.Load()
}

// Kernels returns every available kernel, scalar first.
func Kernels() []Kernel {
	return []Kernel{*scalar, *unrolled}
}

// Dot computes the dot product with the active kernel.
func Dot(a, b []float32) float32 {
	return active.Load().Dot(a, b)
}

// DotScalar is the reference kernel.
func DotScalar(a, b []float32) float32 {
	n := min(len(a), len(b))
	var sum float32
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// DotUnrolled processes eight lanes per step with independent accumulators.
func DotUnrolled(a, b []float32) float32 {
	n := min(len(a), len(b))
	a, b = a[:n], b[:n]

	var s0, s1, s2, s3, s4, s5, s6, s7 float32
	i := 0
	for ; i+8 <= n; i += 8 {
		x := a[i : i+8 : i+8]
		y := b[i : i+8 : i+8]
		s0 += x[0] * y[0]
		s1 += x[1] * y[1]
		s2 += x[2] * y[2]
		s3 += x[3] * y[3]
		s4 += x[4] * y[4]
		s5 += x[5] * y[5]
		s6 += x[6] * y[6]
		s7 += x[7] * y[7]
	}
	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}
	return ((s0 + s1) + (s2 + s3)) + ((s4 + s5) + (s6 + s7))
}

// Norm computes the L2 norm of v.
func Norm(v []float32) float32 {
	return float32(math.Sqrt(float64(Dot(v, v))))
}

// Normalize returns a unit vector in the direction of v. A zero vector is
// returned as a zero-valued copy.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	norm := Norm(v)
	if norm == 0 {
		return out
	}
	inv := 1 / norm
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}

// CosineSimilarity returns 1 for identical directions, 0 for orthogonal
// vectors and -1 for opposite ones.
func CosineSimilarity(a, b []float32) float32 {
	normA := Norm(a)
	normB := Norm(b)
	if normA == 0 || normB == 0 {
		return 0
	}
	return Dot(a, b) / (normA * normB)
}

// CosineDistance maps similarity onto [0, 2], 0 meaning identical direction.
func CosineDistance(a, b []float32) float32 {
	return 1 - CosineSimilarity(a, b)
}

// UnitDistance is the cosine distance between two already-normalised vectors.
func UnitDistance(a, b []float32) float32 {
	return 1 - Dot(a, b)
}
