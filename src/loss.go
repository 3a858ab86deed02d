package paint

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Loss compares a prediction with a target of the same shape. Gradients are
// mean-reduced: they are the derivative of the returned scalar.
type Loss interface {
	Compute(pred, target *Tensor) (float64, error)
	Gradient(pred, target, gradOut *Tensor) error
	Name() string
}

func checkPair(pred, target, gradOut *Tensor) error {
	if !sameShape(pred.shape, target.shape) {
		return errors.Wrapf(ErrShapeMismatch, "prediction %v, target %v", pred.shape, target.shape)
	}
	if gradOut != nil && !sameShape(pred.shape, gradOut.shape) {
		return errors.Wrapf(ErrShapeMismatch, "prediction %v, gradient buffer %v", pred.shape, gradOut.shape)
	}
	if pred.Len() == 0 {
		return errors.Wrap(ErrShapeMismatch, "empty prediction")
	}
	return nil
}

// MSELoss - Mean Squared Error
type MSELoss struct{}

func MSE() *MSELoss { return &MSELoss{} }

func (m *MSELoss) Compute(pred, target *Tensor) (float64, error) {
	if err := checkPair(pred, target, nil); err != nil {
		return 0, err
	}
	d := floats.Distance(pred.data, target.data, 2)
	return d * d / float64(pred.Len()), nil
}

func (m *MSELoss) Gradient(pred, target, gradOut *Tensor) error {
	if err := checkPair(pred, target, gradOut); err != nil {
		return err
	}
	floats.SubTo(gradOut.data, pred.data, target.data)
	floats.Scale(2.0/float64(pred.Len()), gradOut.data)
	return nil
}

func (m *MSELoss) Name() string { return "mse" }

// L1Loss - Mean Absolute Error
type L1Loss struct{}

func L1() *L1Loss { return &L1Loss{} }

func (l *L1Loss) Compute(pred, target *Tensor) (float64, error) {
	if err := checkPair(pred, target, nil); err != nil {
		return 0, err
	}
	return floats.Distance(pred.data, target.data, 1) / float64(pred.Len()), nil
}

// Gradient uses a subgradient of zero where pred equals target.
func (l *L1Loss) Gradient(pred, target, gradOut *Tensor) error {
	if err := checkPair(pred, target, gradOut); err != nil {
		return err
	}
	scale := 1.0 / float64(pred.Len())
	for i := range pred.data {
		switch {
		case pred.data[i] > target.data[i]:
			gradOut.data[i] = scale
		case pred.data[i] < target.data[i]:
			gradOut.data[i] = -scale
		default:
			gradOut.data[i] = 0
		}
	}
	return nil
}

func (l *L1Loss) Name() string { return "l1" }

// GANLoss scores discriminator logits against an implicit all-real or
// all-fake target. With LSGAN it is the mean squared error to 1.0 or 0.0;
// otherwise it is binary cross-entropy on logits.
type GANLoss struct {
	LSGAN bool
}

func NewGANLoss(lsgan bool) *GANLoss {
	return &GANLoss{LSGAN: lsgan}
}

func label(isReal bool) float64 {
	if isReal {
		return 1.0
	}
	return 0.0
}

// Compute returns the mean loss over every logit in pred.
func (g *GANLoss) Compute(pred *Tensor, isReal bool) float64 {
	t := label(isReal)
	n := float64(pred.Len())
	sum := 0.0
	if g.LSGAN {
		for _, x := range pred.data {
			d := x - t
			sum += d * d
		}
		return sum / n
	}
	// max(x, 0) - x*t + log(1 + exp(-|x|)) never overflows
	for _, x := range pred.data {
		sum += math.Max(x, 0) - x*t + math.Log1p(math.Exp(-math.Abs(x)))
	}
	return sum / n
}

// Gradient writes dLoss/dpred into gradOut.
func (g *GANLoss) Gradient(pred *Tensor, isReal bool, gradOut *Tensor) {
	t := label(isReal)
	n := float64(pred.Len())
	if g.LSGAN {
		for i, x := range pred.data {
			gradOut.data[i] = 2 * (x - t) / n
		}
		return
	}
	for i, x := range pred.data {
		gradOut.data[i] = (sigmoid(x) - t) / n
	}
}

func (g *GANLoss) Name() string {
	if g.LSGAN {
		return "lsgan"
	}
	return "bce_with_logits"
}
