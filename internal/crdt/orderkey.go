package crdt

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidOrderKey indicates that the bounds passed to OrderKeyBetween are not ordered.
var ErrInvalidOrderKey = errors.New("crdt: invalid order key bounds")

const orderKeyDigits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// OrderKeyBetween returns a fractional position key strictly between left and
// right. An empty left bound means the beginning of the document, an empty
// right bound the end. Generated keys never end with the smallest digit, so
// every pair of generated keys always has room between them.
func OrderKeyBetween(left, right string) (string, error) {
	if left != "" && right != "" && left >= right {
		return "", fmt.Errorf("%w: %q >= %q", ErrInvalidOrderKey, left, right)
	}
	return orderKeyMidpoint(left, right), nil
}

func orderKeyMidpoint(left, right string) string {
	base := len(orderKeyDigits)
	if left == "" && right == "" {
		return string(orderKeyDigits[base/2])
	}

	if right == "" {
		// Unbounded above: raise the first raisable digit of left.
		for i := 0; i < len(left); i++ {
			digit := orderKeyDigitIndex(left[i])
			mid := (digit + base) / 2
			if mid > digit {
				return left[:i] + string(orderKeyDigits[mid])
			}
		}
		return left + string(orderKeyDigits[base/2])
	}

	// Shared prefix recurses on the remainder.
	prefix := 0
	for prefix < len(left) && prefix < len(right) && left[prefix] == right[prefix] {
		prefix++
	}
	if prefix > 0 {
		return right[:prefix] + orderKeyMidpoint(left[prefix:], right[prefix:])
	}

	leftDigit := 0
	if left != "" {
		leftDigit = orderKeyDigitIndex(left[0])
	}
	rightDigit := orderKeyDigitIndex(right[0])
	if rightDigit-leftDigit > 1 {
		mid := (leftDigit + rightDigit) / 2
		if mid == leftDigit {
			mid++
		}
		return string(orderKeyDigits[mid])
	}

	// Adjacent digits: keep the left digit and extend past left's remainder.
	remainder := ""
	if left != "" {
		remainder = left[1:]
	}
	return string(orderKeyDigits[leftDigit]) + orderKeyMidpoint(remainder, "")
}

func orderKeyDigitIndex(value byte) int {
	index := strings.IndexByte(orderKeyDigits, value)
	if index < 0 {
		return 0
	}
	return index
}
