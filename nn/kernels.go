package nn

// Flat row-major matmul kernels. The three variants cover a linear layer's
// forward and both backward products without materializing transposes:
//
//	forward:  y  = x @ w
//	backward: dx = dy @ wᵀ ,  dw = xᵀ @ dy
//
// All use accumulation loop orders that stream the right-hand side
// contiguously.

type floatKernel interface {
	float32 | float64
}

// matMulFlat computes dst = a @ b with a [m,k], b [k,n] and dst [m,n], all
// row-major. dst must be zeroed.
func matMulFlat[T floatKernel](m, k, n int, a, b, dst []T) {
	for i := 0; i < m; i++ {
		aRow := a[i*k : (i+1)*k]
		dstRow := dst[i*n : (i+1)*n]
		for kk := 0; kk < k; kk++ {
			av := aRow[kk]
			bRow := b[kk*n : (kk+1)*n]
			for j := 0; j < n; j++ {
				dstRow[j] += av * bRow[j]
			}
		}
	}
}

// matMulATFlat computes dst = aᵀ @ b with a [m,k], b [m,n] and dst [k,n],
// all row-major. dst must be zeroed.
func matMulATFlat[T floatKernel](m, k, n int, a, b, dst []T) {
	for i := 0; i < m; i++ {
		aRow := a[i*k : (i+1)*k]
		bRow := b[i*n : (i+1)*n]
		for kk := 0; kk < k; kk++ {
			av := aRow[kk]
			dstRow := dst[kk*n : (kk+1)*n]
			for j := 0; j < n; j++ {
				dstRow[j] += av * bRow[j]
			}
		}
	}
}

// matMulBTFlat computes dst = a @ bᵀ with a [m,k], b [n,k] and dst [m,n],
// all row-major. Rows of both operands are contiguous, so this one is a
// plain dot product per output element.
func matMulBTFlat[T floatKernel](m, k, n int, a, b, dst []T) {
	for i := 0; i < m; i++ {
		aRow := a[i*k : (i+1)*k]
		for j := 0; j < n; j++ {
			bRow := b[j*k : (j+1)*k]
			var sum T
			for kk := 0; kk < k; kk++ {
				sum += aRow[kk] * bRow[kk]
			}
			dst[i*n+j] = sum
		}
	}
}

// addRowBroadcastFlat adds bias [n] to every row of dst [m,n].
func addRowBroadcastFlat[T floatKernel](m, n int, bias, dst []T) {
	for i := 0; i < m; i++ {
		dstRow := dst[i*n : (i+1)*n]
		for j := 0; j < n; j++ {
			dstRow[j] += bias[j]
		}
	}
}

// sumRowsFlat accumulates the column sums of a [m,n] into dst [n].
// dst must be zeroed.
func sumRowsFlat[T floatKernel](m, n int, a, dst []T) {
	for i := 0; i < m; i++ {
		aRow := a[i*n : (i+1)*n]
		for j := 0; j < n; j++ {
			dst[j] += aRow[j]
		}
	}
}
