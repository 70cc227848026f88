package encoder

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"github.com/sirupsen/logrus"

	"smart-squeeze-go/internal/config"
	"smart-squeeze-go/internal/strategy"
)

// MediaTypePDF is the media type of documents handled by DocumentEncoder.
const MediaTypePDF = "application/pdf"

// StrippedInfoKeys are the document information entries removed on encode.
var StrippedInfoKeys = []string{"Title", "Author", "Creator", "Producer"}

// stampedInfoKeys are the entries the PDF writer sets on every write.
var stampedInfoKeys = []string{"Producer", "CreationDate", "ModDate"}

func init() {
	// Keep pdfcpu from creating a configuration directory in the user's home.
	model.ConfigPath = "disable"
}

// DocumentEncoder strips descriptive metadata from PDF documents and
// rewrites them with an optimized object layout. Page content is untouched.
type DocumentEncoder struct {
	useObjectStreams bool
	logger           *logrus.Logger
}

// NewDocumentEncoder creates a document encoder.
func NewDocumentEncoder(cfg config.DocumentConfig) *DocumentEncoder {
	return &DocumentEncoder{
		useObjectStreams: cfg.UseObjectStreams,
		logger:           logrus.StandardLogger(),
	}
}

// SetLogger sets the logger used to report optimization failures.
func (d *DocumentEncoder) SetLogger(logger *logrus.Logger) {
	d.logger = logger
}

// Encode never fails: when the document cannot be optimized the input is
// returned unchanged.
func (d *DocumentEncoder) Encode(ctx context.Context, in Input, _ strategy.Strategy) (out Output, err error) {
	unchanged := Output{Data: in.Data, MediaType: MediaTypePDF}

	defer func() {
		if r := recover(); r != nil {
			d.logger.WithField("panic", r).Warn("PDF optimization aborted, keeping original document")
			out, err = unchanged, nil
		}
	}()

	optimized, optErr := d.optimize(in.Data)
	if optErr != nil {
		d.logger.WithError(optErr).Warn("PDF optimization failed, keeping original document")
		return unchanged, nil
	}
	return Output{Data: optimized, MediaType: MediaTypePDF}, nil
}

// Name returns "document".
func (d *DocumentEncoder) Name() string {
	return "document"
}

func (d *DocumentEncoder) optimize(data []byte) ([]byte, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	conf.WriteObjectStream = d.useObjectStreams
	conf.WriteXRefStream = d.useObjectStreams

	pdfCtx, err := api.ReadContext(bytes.NewReader(data), conf)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}

	if err := api.OptimizeContext(pdfCtx); err != nil {
		return nil, fmt.Errorf("optimize pdf: %w", err)
	}

	if err := stripInfo(pdfCtx); err != nil {
		return nil, fmt.Errorf("strip metadata: %w", err)
	}

	dates, err := sourceDates(pdfCtx)
	if err != nil {
		return nil, fmt.Errorf("read dates: %w", err)
	}

	var buf bytes.Buffer
	if err := api.WriteContext(pdfCtx, &buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}

	out, err := pinStamps(pdfCtx, buf.Bytes(), dates, md5.Sum(data))
	if err != nil {
		return nil, fmt.Errorf("pin metadata: %w", err)
	}
	return out, nil
}

// sourceDates returns the creation and modification dates the document
// carried before it was rewritten.
func sourceDates(pdfCtx *model.Context) (map[string]string, error) {
	dates := make(map[string]string)
	if pdfCtx.Info == nil {
		return dates, nil
	}
	info, err := pdfCtx.DereferenceDict(*pdfCtx.Info)
	if err != nil || info == nil {
		return dates, err
	}
	for _, key := range []string{"CreationDate", "ModDate"} {
		if sl := info.StringLiteralEntry(key); sl != nil {
			dates[key] = sl.Value()
		}
	}
	return dates, nil
}

// pinStamps undoes what the writer stamps into the output: the producer
// entry is blanked, the dates are restored to their source values and the
// file identifier is derived from the input. Every replacement keeps its
// length so the cross-reference offsets stay valid. Entries that cannot be
// restored in place are blanked with whitespace.
func pinStamps(pdfCtx *model.Context, out []byte, dates map[string]string, sum [md5.Size]byte) ([]byte, error) {
	if pdfCtx.Info != nil {
		info, err := pdfCtx.DereferenceDict(*pdfCtx.Info)
		if err != nil {
			return nil, err
		}
		for _, key := range stampedInfoKeys {
			o, found := info.Find(key)
			if !found {
				continue
			}
			sl, ok := o.(types.StringLiteral)
			if !ok {
				return nil, fmt.Errorf("unexpected %s entry %T", key, o)
			}
			written := []byte("/" + key + sl.String())

			var restored []byte
			if v, ok := dates[key]; ok {
				restored = []byte("/" + key + types.StringLiteral(v).String())
			}
			if len(restored) > len(written) {
				restored = nil
			}
			restored = append(restored, bytes.Repeat([]byte(" "), len(written)-len(restored))...)

			if n := bytes.Count(out, written); n != 1 {
				return nil, fmt.Errorf("found %d serialized %s entries", n, key)
			}
			out = bytes.Replace(out, written, restored, 1)
		}
	}

	if len(pdfCtx.ID) == 2 {
		fid, ok := pdfCtx.ID[1].(types.HexLiteral)
		if !ok {
			return nil, fmt.Errorf("unexpected file identifier %T", pdfCtx.ID[1])
		}
		pinned := types.NewHexLiteral(sum[:])
		if len(pinned) != len(fid) {
			return nil, fmt.Errorf("file identifier length %d, want %d", len(fid), len(pinned))
		}
		if !bytes.Contains(out, []byte(fid.String())) {
			return nil, fmt.Errorf("file identifier not found in output")
		}
		out = bytes.ReplaceAll(out, []byte(fid.String()), []byte(pinned.String()))
	}
	return out, nil
}

func stripInfo(pdfCtx *model.Context) error {
	if pdfCtx.Info == nil {
		return nil
	}
	info, err := pdfCtx.DereferenceDict(*pdfCtx.Info)
	if err != nil {
		return err
	}
	if info == nil {
		return nil
	}
	for _, key := range StrippedInfoKeys {
		info.Delete(key)
	}
	pdfCtx.Title = ""
	pdfCtx.Author = ""
	pdfCtx.Creator = ""
	pdfCtx.Producer = ""
	return nil
}
