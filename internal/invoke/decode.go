package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/Salah1221/signalhub/internal/blob"
	"github.com/Salah1221/signalhub/internal/wire"
)

// InvokeAs calls method on the target and decodes the reply into T.
func InvokeAs[T any](ctx context.Context, inv *Invoker, target Target, method string, param any) (T, error) {
	var zero T
	resp, err := inv.Invoke(ctx, target, method, param)
	if err != nil {
		return zero, err
	}
	return As[T](ctx, inv, resp)
}

// As decodes a response envelope into T. Inline payloads decode
// structurally with case-insensitive field matching; blob references are
// read through the side-channel with the caller's deadline, then removed
// when read-once cleanup applies.
func As[T any](ctx context.Context, inv *Invoker, resp *wire.Response) (T, error) {
	var zero T
	if resp == nil {
		return zero, nil
	}

	switch resp.Kind() {
	case wire.ResponseNull:
		return zero, nil

	case wire.ResponseError:
		inv.logger.Printf("client returned error: %s", resp.ErrorMessage)
		return zero, &ClientError{Message: resp.ErrorMessage}

	case wire.ResponseJSONObject:
		out, err := decodePayload[T](resp.JsonData)
		if err != nil {
			return zero, err
		}
		return out, nil

	case wire.ResponseFilePath:
		if inv.metrics != nil {
			inv.metrics.BlobSpillovers.Inc()
		}
		data, err := inv.blobs.Read(ctx, resp.FilePath)
		if err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				return zero, fmt.Errorf("%s: %w", resp.FilePath, ErrBlobMissing)
			}
			return zero, err
		}
		out, err := decodePayload[T](data)
		if err != nil {
			return zero, err
		}
		inv.cleanupBlob(ctx, resp.FilePath)
		return out, nil
	}

	return zero, &DecodeError{Cause: fmt.Errorf("unknown response type %q", resp.ResponseType)}
}

// decodePayload accepts the payload already as the structural type, as a
// JSON string that embeds JSON, or as a bare scalar.
func decodePayload[T any](data []byte) (T, error) {
	var zero T
	if len(data) == 0 {
		return zero, nil
	}

	var out T
	if err := json.Unmarshal(data, &out); err == nil {
		return out, nil
	}

	// A string payload may embed the JSON document itself.
	var embedded string
	if err := json.Unmarshal(data, &embedded); err == nil {
		var out T
		if err := json.Unmarshal([]byte(embedded), &out); err == nil {
			return out, nil
		}
	}

	err := json.Unmarshal(data, &out)
	return zero, &DecodeError{Cause: err}
}

// cleanupBlob enforces read-once semantics for spillover blobs. Only
// paths under the configured temp folder are removed; a failed delete is
// logged, never surfaced.
func (inv *Invoker) cleanupBlob(ctx context.Context, blobPath string) {
	if !inv.opts.AutoDeleteTempFiles {
		return
	}
	if !pathInFolder(blobPath, inv.opts.TempFolder) {
		return
	}
	if _, err := inv.blobs.Delete(ctx, blobPath); err != nil {
		inv.logger.Printf("temp blob delete failed path=%s err=%v", blobPath, err)
	}
}

func pathInFolder(blobPath, folder string) bool {
	folder = strings.Trim(path.Clean(strings.TrimSpace(folder)), "/")
	if folder == "" || folder == "." {
		return false
	}
	cleaned := strings.TrimPrefix(path.Clean(strings.TrimSpace(blobPath)), "/")
	return cleaned == folder || strings.HasPrefix(cleaned, folder+"/")
}
