package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/example/facevault/internal/apperr"
	"github.com/example/facevault/internal/events"
	"github.com/example/facevault/internal/facestore"
	"github.com/example/facevault/internal/imageinput"
	"github.com/example/facevault/internal/logging"
	"github.com/example/facevault/internal/repository"
)

// SampleStore writes encoded samples for an identity.
type SampleStore interface {
	Add(ctx context.Context, identity string, pngData []byte) (*facestore.Sample, error)
}

// SampleRepository records stored samples.
type SampleRepository interface {
	SaveSample(ctx context.Context, sample *repository.SampleRecord) error
	FindSamplesByHash(ctx context.Context, identity, hash string) ([]*repository.SampleRecord, error)
}

// RegistrationUseCase stores new face samples.
type RegistrationUseCase struct {
	store     SampleStore
	repo      SampleRepository
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
	maxPixels int64
}

// NewRegistrationUseCase constructs the use case. repo and publisher may be nil.
func NewRegistrationUseCase(store SampleStore, repo SampleRepository, publisher events.Publisher, logger *zap.Logger) *RegistrationUseCase {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &RegistrationUseCase{
		store:     store,
		repo:      repo,
		publisher: publisher,
		logger:    logger.Named("registration_usecase"),
		now:       time.Now,
		maxPixels: imageinput.DefaultMaxPixels,
	}
}

// SetMaxImagePixels bounds the area of base64 samples decoded by AddFace.
// Non-positive values keep the default.
func (uc *RegistrationUseCase) SetMaxImagePixels(n int64) {
	if n > 0 {
		uc.maxPixels = n
	}
}

// AddFace normalizes input into an image and stores it as the next PNG
// sample of identity.
func (uc *RegistrationUseCase) AddFace(ctx context.Context, identity string, input *imageinput.Input, caller string) (*facestore.Sample, error) {
	if err := facestore.ValidateIdentity(identity); err != nil {
		return nil, err
	}

	img, err := normalizeSample(input, uc.maxPixels)
	if err != nil {
		return nil, err
	}

	data, err := imageinput.EncodePNG(img)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, err, "Failed to save image")
	}

	sample, err := uc.store.Add(ctx, identity, data)
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.add_face", "").Error("failed to store sample",
			zap.String("identity", identity), zap.Error(err))
		return nil, err
	}

	sum := sha1.Sum(data)
	uc.recordSample(ctx, sample, hex.EncodeToString(sum[:]), caller)
	return sample, nil
}

// normalizeSample turns an extracted input into an image. Uploaded bitmaps
// are BGR and get their channels reversed; strings are base64 payloads.
func normalizeSample(input *imageinput.Input, maxPixels int64) (image.Image, error) {
	switch {
	case input == nil:
		return nil, apperr.New(apperr.KindInputMissing, "'img' not found in request")
	case input.Bitmap != nil:
		return input.Bitmap.ReverseChannels().Image(), nil
	case input.Ref != "":
		return imageinput.DecodeBase64Image(input.Ref, maxPixels)
	default:
		return nil, apperr.New(apperr.KindUnsupportedFormat, "Unsupported image data format returned by extract_image_from_request.")
	}
}

func (uc *RegistrationUseCase) recordSample(ctx context.Context, sample *facestore.Sample, hash, caller string) {
	opLogger := logging.WithOperation(uc.logger, "usecase.record_sample", "").With(
		zap.String("identity", sample.Identity),
		zap.Int64("sequence", sample.Sequence),
	)
	now := uc.now().UTC()

	if uc.repo != nil {
		duplicates, err := uc.repo.FindSamplesByHash(ctx, sample.Identity, hash)
		if err != nil {
			opLogger.Warn("failed to look up duplicate samples", zap.Error(err))
		} else if len(duplicates) > 0 {
			opLogger.Warn("identical sample already registered",
				zap.String("sha1_hash", hash),
				zap.String("first_path", duplicates[0].Path),
				zap.Int("duplicates", len(duplicates)),
			)
		}

		if err := uc.repo.SaveSample(ctx, &repository.SampleRecord{
			Identity:  sample.Identity,
			Sequence:  sample.Sequence,
			Path:      sample.PublicPath,
			SHA1Hash:  hash,
			Caller:    caller,
			CreatedAt: now,
		}); err != nil {
			opLogger.Error("failed to persist sample record", zap.Error(err))
		}
	}

	if err := uc.publisher.Publish(ctx, events.RoutingFaceRegistered, events.FaceRegistered{
		Identity:   sample.Identity,
		Sequence:   sample.Sequence,
		Path:       sample.PublicPath,
		SHA1Hash:   hash,
		Caller:     caller,
		OccurredAt: now,
	}); err != nil {
		opLogger.Warn("failed to publish registration event", zap.Error(err))
	}
}
