package model

import "math"

// Softmax returns the normalised exponentials of logits.
func Softmax(logits []float64) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	maxv := logits[0]
	for _, v := range logits[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(v - maxv)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// LogSoftmax returns log(Softmax(logits)) computed stably.
func LogSoftmax(logits []float64) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	maxv := logits[0]
	for _, v := range logits[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(v - maxv)
	}
	lse := maxv + math.Log(sum)
	for i, v := range logits {
		out[i] = v - lse
	}
	return out
}

// Argmax returns the index of the largest value; ties go to the lowest index.
func Argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// CrossEntropy returns -log p(label) and its gradient with respect to the
// logits (p - onehot(label)).
func CrossEntropy(logits []float64, label int) (float64, []float64) {
	logp := LogSoftmax(logits)
	grad := make([]float64, len(logits))
	for i, lp := range logp {
		grad[i] = math.Exp(lp)
	}
	grad[label] -= 1
	return -logp[label], grad
}

// KLToUniform returns KL(u || p) where u is uniform over the classes and p
// is softmax(logits), along with its gradient with respect to the logits
// (p - u). Minimising it pushes the prediction toward maximum entropy.
func KLToUniform(logits []float64) (float64, []float64) {
	c := float64(len(logits))
	u := 1 / c
	logu := math.Log(u)
	logp := LogSoftmax(logits)
	var loss float64
	grad := make([]float64, len(logits))
	for i, lp := range logp {
		loss += u * (logu - lp)
		grad[i] = math.Exp(lp) - u
	}
	return loss, grad
}

// LogLikelihoodGrad returns log p(label) and its gradient with respect to the
// logits (onehot(label) - p).
func LogLikelihoodGrad(logits []float64, label int) (float64, []float64) {
	logp := LogSoftmax(logits)
	grad := make([]float64, len(logits))
	for i, lp := range logp {
		grad[i] = -math.Exp(lp)
	}
	grad[label] += 1
	return logp[label], grad
}
