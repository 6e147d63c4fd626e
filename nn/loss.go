// Package nn provides the small amount of neural-network math the
// coordination layer itself needs: the cross-entropy loss and its gradient,
// evaluated on the logits the model collaborator hands back.
package nn

import (
	"math"

	"github.com/tinyscale/tetrad"
)

// CrossEntropy computes the mean token-level cross-entropy of logits with
// shape (numTokens, vocab) against the target token ids, and the gradient of
// that loss with respect to the logits. It satisfies tetrad.LossFunc.
func CrossEntropy(logits *tetrad.Tensor, targets []int32) (float64, *tetrad.Tensor, error) {
	if len(logits.Shape) != 2 {
		return 0, nil, tetrad.Configurationf(
			"cross entropy expects 2D logits, got shape %v", logits.Shape)
	}
	numTokens := logits.Shape[0]
	vocab := logits.Shape[1]
	if numTokens != len(targets) {
		return 0, nil, tetrad.Configurationf(
			"logits cover %d tokens but %d targets were given",
			numTokens, len(targets))
	}

	grad := tetrad.NewTensor(logits.Shape...)
	var totalLoss float64
	invN := float32(1) / float32(numTokens)

	for tok := 0; tok < numTokens; tok++ {
		row := logits.Data[tok*vocab : (tok+1)*vocab]
		gradRow := grad.Data[tok*vocab : (tok+1)*vocab]
		target := targets[tok]
		if target < 0 || int(target) >= vocab {
			return 0, nil, tetrad.Configurationf(
				"target id %d out of vocabulary range [0, %d)", target, vocab)
		}

		// Numerically stable log-softmax with max subtraction.
		maxLogit := row[0]
		for _, v := range row[1:] {
			if v > maxLogit {
				maxLogit = v
			}
		}
		var sumExp float64
		for _, v := range row {
			sumExp += math.Exp(float64(v - maxLogit))
		}
		logSumExp := math.Log(sumExp)

		totalLoss += logSumExp - float64(row[target]-maxLogit)

		for i, v := range row {
			p := float32(math.Exp(float64(v-maxLogit)) / sumExp)
			gradRow[i] = p * invN
		}
		gradRow[target] -= invN
	}

	return totalLoss / float64(numTokens), grad, nil
}
