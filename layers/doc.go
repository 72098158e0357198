// Package layers describes feed-forward models as data: a ModelBuilder
// collects LayerSpecs and Compile resolves shapes and parameter counts.
// The resulting ModelSpec is what the training package instantiates and
// what the checkpoints package serializes.
package layers
