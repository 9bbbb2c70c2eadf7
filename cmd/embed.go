package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andresmejia3/facevec/internal/imageio"
	"github.com/andresmejia3/facevec/internal/types"
	"github.com/andresmejia3/facevec/internal/utils"
	"github.com/andresmejia3/facevec/internal/worker"
	"github.com/spf13/cobra"
)

// errNoFace is returned when an input image contains no detectable face
var errNoFace = errors.New(types.MsgNoFaceFound)

// EmbedOptions holds flags for the embed command
type EmbedOptions struct {
	MatchThreshold float64
	Pretty         bool
}

// embedOutput is what embed prints for each image
type embedOutput struct {
	File      string    `json:"file"`
	Faces     int       `json:"faces"`
	Location  []int     `json:"location"`
	Embedding []float64 `json:"embedding"`
}

var embedOpts EmbedOptions

var embedCmd = &cobra.Command{
	Use:   "embed <image_path> [compare_path]",
	Short: "Print the embedding of the first face in an image, optionally comparing it with a second image",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := validateEmbedFlags(&embedOpts); err != nil {
			return err
		}
		return runEmbed(cmd.Context(), args, embedOpts)
	},
}

func init() {
	embedCmd.Flags().Float64VarP(&embedOpts.MatchThreshold, "threshold", "t", 0.6, "Match threshold on Euclidean distance (lower is stricter)")
	embedCmd.Flags().BoolVarP(&embedOpts.Pretty, "pretty", "p", false, "Indent JSON output")
	addEngineFlags(embedCmd)
	rootCmd.AddCommand(embedCmd)
}

func validateEmbedFlags(opts *EmbedOptions) error {
	if opts.MatchThreshold <= 0 {
		return fmt.Errorf("threshold must be greater than 0, got %v", opts.MatchThreshold)
	}
	return nil
}

func runEmbed(ctx context.Context, paths []string, opts EmbedOptions) error {
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			utils.ShowError("Input file does not exist", err, nil)
			return err
		}
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	// We use ID 0 for this ad-hoc worker
	w, err := worker.NewPythonWorker(ctx, 0, workerConfig(Cfg))
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	decoder := imageio.NewDecoder(Cfg.Image.MaxDimension)
	outputs := make([]embedOutput, 0, len(paths))
	for _, p := range paths {
		out, err := embedFile(w, decoder, p)
		if err != nil {
			return err
		}
		outputs = append(outputs, out)
	}

	enc := json.NewEncoder(os.Stdout)
	if opts.Pretty {
		enc.SetIndent("", "  ")
	}
	for _, out := range outputs {
		if err := enc.Encode(out); err != nil {
			return err
		}
	}

	if len(outputs) == 2 {
		dist := utils.EuclideanDist(outputs[0].Embedding, outputs[1].Embedding)
		fmt.Fprintln(os.Stderr, describeMatch(dist, opts.MatchThreshold))
	}
	return nil
}

func embedFile(w *worker.PythonWorker, decoder *imageio.Decoder, path string) (embedOutput, error) {
	f, err := os.Open(path)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return embedOutput{}, err
	}
	defer f.Close()

	img, err := decoder.Decode(f)
	if err != nil {
		utils.ShowError(types.MsgLoadFailed, err, nil)
		return embedOutput{}, err
	}

	fmt.Fprintf(os.Stderr, "🔍 Analyzing %s...\n", filepath.Base(path))
	faces, err := w.Embed(img)
	if err != nil {
		utils.ShowError("AI processing failed", err, w.Cmd)
		return embedOutput{}, err
	}

	if len(faces) == 0 {
		fmt.Fprintf(os.Stderr, "❌ No faces detected in %s.\n", filepath.Base(path))
		return embedOutput{}, errNoFace
	}
	if len(faces) > 1 {
		fmt.Fprintf(os.Stderr, "⚠️  Multiple faces detected (%d). Using the first face.\n", len(faces))
	}

	return embedOutput{
		File:      path,
		Faces:     len(faces),
		Location:  faces[0].Loc,
		Embedding: faces[0].Vec,
	}, nil
}

func describeMatch(dist, threshold float64) string {
	if dist <= threshold {
		return fmt.Sprintf("✅ Same person (distance %.4f <= %.2f)", dist, threshold)
	}
	return fmt.Sprintf("❌ Different people (distance %.4f > %.2f)", dist, threshold)
}
