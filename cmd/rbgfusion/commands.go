package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"rbgfusion/internal/models"
	"rbgfusion/pkg/config"
	"rbgfusion/pkg/imageio"
	"rbgfusion/pkg/metrics"
	"rbgfusion/pkg/reconstruction"
	"rbgfusion/pkg/visualization"
	"rbgfusion/pkg/weights"
)

// loadConfig reads and validates the configuration and raises the log
// verbosity when the config asks for it.
func loadConfig(path string, klogFlags *flag.FlagSet) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid configuration %q", path)
	}
	if cfg.Output.Verbose && klogFlags != nil {
		if v := klogFlags.Lookup("v"); v != nil && v.Value.String() == "0" {
			_ = v.Value.Set("1")
		}
	}
	return cfg, nil
}

// buildReconstructor loads the weights (weightsPath overrides the config)
// and the configured collaborators.
func buildReconstructor(cfg *config.Config, weightsPath string) (*reconstruction.Reconstructor, error) {
	if weightsPath == "" {
		weightsPath = cfg.Weights.Path
	}
	var store *weights.Store
	if weightsPath != "" {
		var err error
		if store, err = weights.Load(weightsPath); err != nil {
			return nil, err
		}
	} else {
		klog.Warningf("no weights given, initializing from seed %d (%s)", cfg.Weights.Seed, cfg.Weights.Init)
	}

	var collab reconstruction.Collaborators
	if cfg.Registration.Type == config.RegistrationFile {
		field, err := imageio.LoadField(cfg.Registration.FieldPath)
		if err != nil {
			return nil, err
		}
		collab.Registrar = reconstruction.StaticRegistrar{Field: field}
	}
	if cfg.Synthesis.Type == config.SynthesisFile {
		img, err := imageio.LoadChannels(cfg.Synthesis.ImagePath, cfg.Model.InChannels)
		if err != nil {
			return nil, err
		}
		collab.Synthesizer = reconstruction.StaticSynthesizer{Image: img}
	}
	return reconstruction.NewReconstructor(cfg.ModelOptions(), store, collab)
}

type reconstructFlags struct {
	configPath  string
	subject     string
	reference   string
	synthesized string
	field       string
	weights     string
	target      string
	output      string
}

func newReconstructCmd(klogFlags *flag.FlagSet) *cobra.Command {
	var f reconstructFlags
	cmd := &cobra.Command{
		Use:   "reconstruct",
		Short: "Reconstruct one subject image guided by a reference image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconstruct(cmd.OutOrStdout(), f, klogFlags)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.configPath, "config", "config.yaml", "Configuration file")
	flags.StringVar(&f.subject, "subject", "", "Subject image")
	flags.StringVar(&f.reference, "reference", "", "Reference image of the other modality")
	flags.StringVar(&f.synthesized, "synthesized", "", "Precomputed synthesized image (skips synthesis)")
	flags.StringVar(&f.field, "field", "", "Precomputed displacement field (skips registration)")
	flags.StringVar(&f.weights, "weights", "", "Weights file, overrides the configuration")
	flags.StringVar(&f.target, "target", "", "Ground-truth image; prints quality metrics")
	flags.StringVar(&f.output, "output", "output.png", "Output image")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("reference")
	return cmd
}

func runReconstruct(out io.Writer, f reconstructFlags, klogFlags *flag.FlagSet) error {
	cfg, err := loadConfig(f.configPath, klogFlags)
	if err != nil {
		return err
	}
	if f.synthesized != "" {
		cfg.Synthesis.Type, cfg.Synthesis.ImagePath = config.SynthesisFile, f.synthesized
	}
	if f.field != "" {
		cfg.Registration.Type, cfg.Registration.FieldPath = config.RegistrationFile, f.field
	}

	r, err := buildReconstructor(cfg, f.weights)
	if err != nil {
		return err
	}
	subject, err := imageio.LoadChannels(f.subject, cfg.Model.InChannels)
	if err != nil {
		return err
	}
	reference, err := imageio.LoadChannels(f.reference, cfg.Model.RefChannels)
	if err != nil {
		return err
	}

	klog.Infof("reconstructing %s guided by %s", f.subject, f.reference)
	res, err := r.Process(subject, reference)
	if err != nil {
		return err
	}
	if err := imageio.SaveImage(f.output, res.Output); err != nil {
		return err
	}
	klog.Infof("reconstruction %s completed in %.2f seconds, saved to %s", res.ID, res.Elapsed.Seconds(), f.output)

	exportIntermediates(cfg, res, strings.TrimSuffix(filepath.Base(f.output), filepath.Ext(f.output)))

	if f.target != "" {
		target, err := imageio.LoadChannels(f.target, cfg.Model.OutChannels)
		if err != nil {
			return err
		}
		m, err := metrics.Compare(res.Output, target)
		if err != nil {
			return err
		}
		printMetrics(out, m)
	}
	return nil
}

// exportIntermediates writes the optional attention and feature renderings.
// Failures are logged and do not fail the run.
func exportIntermediates(cfg *config.Config, res *reconstruction.Result, name string) {
	if !cfg.Output.SaveAttentionMaps && !cfg.Output.SaveFeatureMaps {
		return
	}
	exporter := visualization.NewExporter(filepath.Join(cfg.Output.Dir, name), "")
	if cfg.Output.SaveFeatureMaps {
		if _, err := exporter.SaveChannels(res.Field.AsFeatureMap(), "field"); err != nil {
			klog.Warningf("failed to save displacement field: %v", err)
		}
	}
	for _, s := range models.Scales {
		if cfg.Output.SaveAttentionMaps {
			if _, err := exporter.SaveAttention(res.Attention[s], "attention_"+s.String()); err != nil {
				klog.Warningf("failed to save %s attention maps: %v", s, err)
			}
		}
		if cfg.Output.SaveFeatureMaps {
			if _, err := exporter.SaveChannels(res.Attended[s], "features_"+s.String()); err != nil {
				klog.Warningf("failed to save %s feature maps: %v", s, err)
			}
		}
	}
}

func printMetrics(out io.Writer, m *metrics.Metrics) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Metric", "Value"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.AppendBulk([][]string{
		{"RMSE", fmt.Sprintf("%.6f", m.RMSE)},
		{"MAE", fmt.Sprintf("%.6f", m.MAE)},
		{"PSNR (dB)", fmt.Sprintf("%.2f", m.PSNR)},
		{"SSIM", fmt.Sprintf("%.4f", m.SSIM)},
		{"Mutual information", fmt.Sprintf("%.4f", m.MI)},
		{"Entropy difference", fmt.Sprintf("%.4f", m.EntropyDiff)},
		{"Correlation", fmt.Sprintf("%.4f", m.Correlation)},
	})
	table.Render()
}

func newBatchCmd(klogFlags *flag.FlagSet) *cobra.Command {
	var configPath, listPath, weightsPath string
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Reconstruct every subject/reference pair listed in a file",
		Long: "Each non-empty line of the list holds a subject path, a reference path\n" +
			"and optionally an output name. Lines starting with # are ignored.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd.Context(), configPath, listPath, weightsPath, klogFlags)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "Configuration file")
	cmd.Flags().StringVar(&listPath, "list", "", "File listing the pairs")
	cmd.Flags().StringVar(&weightsPath, "weights", "", "Weights file, overrides the configuration")
	_ = cmd.MarkFlagRequired("list")
	return cmd
}

type pair struct {
	subject, reference, name string
}

// readPairs parses the batch list format.
func readPairs(r io.Reader) ([]pair, error) {
	var pairs []pair
	scanner := bufio.NewScanner(r)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 2 || len(fields) > 3 {
			return nil, errors.Errorf("line %d: want \"subject reference [name]\", got %q", line, text)
		}
		p := pair{subject: fields[0], reference: fields[1]}
		if len(fields) == 3 {
			p.name = fields[2]
		} else {
			p.name = strings.TrimSuffix(filepath.Base(p.subject), filepath.Ext(p.subject))
		}
		pairs = append(pairs, p)
	}
	return pairs, scanner.Err()
}

func runBatch(ctx context.Context, configPath, listPath, weightsPath string, klogFlags *flag.FlagSet) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(configPath, klogFlags)
	if err != nil {
		return err
	}
	list, err := os.Open(listPath)
	if err != nil {
		return err
	}
	pairs, err := readPairs(list)
	list.Close()
	if err != nil {
		return errors.Wrapf(err, "reading %s", listPath)
	}
	if len(pairs) == 0 {
		return errors.Errorf("%s lists no pairs", listPath)
	}

	r, err := buildReconstructor(cfg, weightsPath)
	if err != nil {
		return err
	}

	items := make([]reconstruction.Item, len(pairs))
	for i, p := range pairs {
		items[i].Name = p.name
		if items[i].Subject, err = imageio.LoadChannels(p.subject, cfg.Model.InChannels); err != nil {
			return err
		}
		if items[i].Reference, err = imageio.LoadChannels(p.reference, cfg.Model.RefChannels); err != nil {
			return err
		}
	}

	bar := progressbar.NewOptions(len(items),
		progressbar.OptionSetDescription("reconstructing"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	r.SetProgressCallback(func(completed, total int, message string) {
		_ = bar.Add(1)
	})

	start := time.Now()
	results, err := r.ReconstructBatch(ctx, items)
	_ = bar.Finish()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Output.Dir, 0755); err != nil {
		return err
	}
	for i, res := range results {
		path := filepath.Join(cfg.Output.Dir, items[i].Name+".png")
		if err := imageio.SaveImage(path, res.Output); err != nil {
			return err
		}
		exportIntermediates(cfg, res, items[i].Name)
	}
	klog.Infof("reconstructed %d pairs in %.2f seconds using %d cores, outputs in %s",
		len(results), time.Since(start).Seconds(), r.Options().NumCores, cfg.Output.Dir)
	return nil
}

func newInitConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config PATH",
		Short: "Write a configuration file with default values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.CreateDefaultConfigFile(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", args[0])
			return nil
		},
	}
}

func newInitWeightsCmd(klogFlags *flag.FlagSet) *cobra.Command {
	var configPath, dtype string
	cmd := &cobra.Command{
		Use:   "init-weights PATH",
		Short: "Initialize a network from the configuration and save its weights",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, klogFlags)
			if err != nil {
				return err
			}
			return initWeights(cfg, args[0], weights.DType(strings.ToUpper(dtype)))
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "Configuration file")
	cmd.Flags().StringVar(&dtype, "dtype", "F32", "Tensor encoding (F16, F32 or F64)")
	return cmd
}

func initWeights(cfg *config.Config, path string, dtype weights.DType) error {
	r, err := reconstruction.NewReconstructor(cfg.ModelOptions(), nil, reconstruction.Collaborators{})
	if err != nil {
		return err
	}
	store := weights.NewStore()
	r.Export(store)
	if err := weights.Save(path, store, dtype); err != nil {
		return err
	}
	klog.Infof("saved %d tensors to %s", store.Len(), path)
	return nil
}
