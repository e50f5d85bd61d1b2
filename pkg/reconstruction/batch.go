package reconstruction

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"rbgfusion/internal/models"
)

// Item is one subject/reference pair of a batch. Name is only used in
// progress messages and errors.
type Item struct {
	Name      string
	Subject   *models.FeatureMap
	Reference *models.FeatureMap
}

// ReconstructBatch runs Process over items with at most NumCores pairs in
// flight. Results keep the order of items. The first failure cancels the
// remaining work and no results are returned.
func (r *Reconstructor) ReconstructBatch(ctx context.Context, items []Item) ([]*Result, error) {
	results := make([]*Result, len(items))
	var completed int32

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.NumCores)

	for i := range items {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := r.Process(items[i].Subject, items[i].Reference)
			if err != nil {
				return errors.Wrapf(err, "item %d (%s)", i, items[i].Name)
			}
			results[i] = res

			done := int(atomic.AddInt32(&completed, 1))
			klog.V(1).Infof("batch: %d/%d done (%s)", done, len(items), items[i].Name)
			if r.progressCallback != nil {
				r.progressCallback(done, len(items), fmt.Sprintf("reconstructed %s", items[i].Name))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
