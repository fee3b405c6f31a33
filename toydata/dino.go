package toydata

import (
	"encoding/csv"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

const (
	datasaurusURL      = "https://raw.githubusercontent.com/tanelp/tiny-diffusion/master/assets/DatasaurusDozen.tsv"
	datasaurusFileName = "DatasaurusDozen.tsv"
)

// downloadIfMissing fetches url into filePath, if it isn't there already.
func downloadIfMissing(url, filePath string) error {
	if fsutil.MustFileExists(filePath) {
		return nil
	}
	resp, err := http.Get(url)
	if err != nil {
		return errors.Wrapf(err, "downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("downloading %q: %s", url, resp.Status)
	}
	// Download to a temporary file first, and rename when complete, so an
	// interrupted download isn't mistaken for a cached one.
	tmpFile, err := os.CreateTemp(path.Dir(filePath), path.Base(filePath)+".tmp*")
	if err != nil {
		return errors.Wrapf(err, "creating temporary file for %q", filePath)
	}
	_, err = io.Copy(tmpFile, resp.Body)
	if err == nil {
		err = tmpFile.Close()
	}
	if err != nil {
		_ = os.Remove(tmpFile.Name())
		return errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	return errors.Wrapf(os.Rename(tmpFile.Name(), filePath), "renaming %q", tmpFile.Name())
}

// dinoBasePoints downloads (if needed) and parses the DatasaurusDozen table,
// returning the raw coordinates of its "dino" rows, normalized to roughly
// [-1, 1]: x/54-1 and y/48-1.
func dinoBasePoints(dataDir string) (xs, ys []float32, err error) {
	filePath := path.Join(dataDir, datasaurusFileName)
	if err = downloadIfMissing(datasaurusURL, filePath); err != nil {
		return nil, nil, err
	}
	file, err := os.Open(filePath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening %q", filePath)
	}
	defer func() { _ = file.Close() }()

	reader := csv.NewReader(file)
	reader.Comma = '\t'
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "parsing %q", filePath)
	}
	for i, row := range rows {
		if i == 0 || len(row) != 3 || row[0] != "dino" {
			continue // Header or another of the dozen datasets.
		}
		x, errX := strconv.ParseFloat(row[1], 64)
		y, errY := strconv.ParseFloat(row[2], 64)
		if errX != nil || errY != nil {
			return nil, nil, errors.Errorf("invalid row %d in %q: %v", i, filePath, row)
		}
		xs = append(xs, float32(x/54.0-1.0))
		ys = append(ys, float32(y/48.0-1.0))
	}
	if len(xs) == 0 {
		return nil, nil, errors.Errorf("no \"dino\" rows found in %q", filePath)
	}
	return xs, ys, nil
}

// Dino returns n points resampled (with replacement, plus a small gaussian
// jitter) from the dino shape of the DatasaurusDozen table. The table is
// downloaded into dataDir on first use. Shape (n, 2).
func Dino(backend backends.Backend, ctx *context.Context, dataDir string, n int) (*tensors.Tensor, error) {
	xs, ys, err := dinoBasePoints(dataDir)
	if err != nil {
		return nil, err
	}
	return context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		base := Stack([]*Node{Const(g, xs), Const(g, ys)}, -1)
		indices := ctx.RandomIntN(g, len(xs), shapes.Make(dtypes.Int32, n, 1))
		points := Gather(base, indices)
		jitter := MulScalar(ctx.RandomNormal(g, points.Shape()), 0.15/54.0)
		return Add(points, jitter)
	})
}
