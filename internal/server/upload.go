package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/labstack/echo/v4"

	"github.com/ecency/imagehoster/internal/apierr"
	"github.com/ecency/imagehoster/internal/hive"
	"github.com/ecency/imagehoster/internal/imagekey"
	"github.com/ecency/imagehoster/internal/pipeline"
	"github.com/ecency/imagehoster/internal/signature"
)

// upload handles POST /:username/:signature. The signature parameter
// is either a direct posting-key signature or a hive-prefixed token.
func (s *Server) upload(c echo.Context) error {
	username := c.Param("username")
	sig := c.Param("signature")

	if signature.HasTokenPrefix(sig) {
		token, err := signature.DecodeToken(signature.StripTokenPrefix(sig))
		if err != nil {
			return err
		}
		if token.Author != username {
			return apierr.New(apierr.InvalidSignature, "token author does not match username")
		}
		return s.handleUpload(c, username, "", token)
	}
	return s.handleUpload(c, username, sig, nil)
}

// uploadWithToken handles POST /hs/:token, where the whole token is
// the path parameter.
func (s *Server) uploadWithToken(c echo.Context) error {
	token, err := signature.DecodeToken(c.Param("token"))
	if err != nil {
		return err
	}
	return s.handleUpload(c, token.Author, "", token)
}

// handleUpload runs the admission chain and writes the blob. The
// quota is counted before the write and not refunded on failure.
func (s *Server) handleUpload(c echo.Context, username, directSig string, token *signature.Token) error {
	ctx := c.Request().Context()

	if c.Request().ContentLength < 0 {
		return apierr.New(apierr.LengthRequired, "content length is required")
	}
	if c.Request().ContentLength > s.cfg.MaxImageSize {
		return apierr.Newf(apierr.PayloadTooLarge, "upload exceeds %d bytes", s.cfg.MaxImageSize)
	}

	data, filename, err := readMultipartFile(c.Request(), s.cfg.MaxImageSize)
	if err != nil {
		return err
	}

	contentType := pipeline.Sniff(data)
	if !pipeline.IsAccepted(contentType) {
		return apierr.Newf(apierr.InvalidImage, "content type %s is not accepted", contentType)
	}

	if !usernameRe.MatchString(username) {
		return apierr.Newf(apierr.NoSuchAccount, "invalid account name %q", username)
	}

	account, err := s.chain.GetAccount(ctx, username)
	if err != nil {
		if errors.Is(err, hive.ErrNoSuchAccount) {
			return apierr.Newf(apierr.NoSuchAccount, "account %q not found", username)
		}
		return apierr.Wrap(apierr.InternalError, "fetch account", err)
	}

	if token != nil {
		err = s.verifier.VerifyToken(token, account)
	} else {
		err = signature.VerifyDirect(directSig, data, account)
	}
	if err != nil {
		return err
	}

	if s.blacklist.ContainsAccount(username) {
		return apierr.Newf(apierr.Blacklisted, "account %q is blacklisted", username)
	}

	status := s.limiter.Check(ctx, username)
	if !status.Allowed {
		return apierr.New(apierr.QoutaExceeded, "upload quota exhausted").
			WithInfo("remaining", status.Remaining).
			WithInfo("reset", status.Reset.UnixMilli())
	}

	if err := s.checkReputation(c, username); err != nil {
		return err
	}

	key := imagekey.ForBytes(data)
	exists, err := s.uploads.Exists(ctx, key)
	if err != nil {
		return apierr.Wrap(apierr.InternalError, "check upload store", err)
	}
	if !exists {
		if err := s.uploads.Write(ctx, key, data); err != nil {
			return apierr.Wrap(apierr.InternalError, "write upload", err)
		}
	}

	s.logger.Info("upload accepted", "account", username, "key", key, "size", len(data))
	return c.JSON(http.StatusOK, map[string]string{
		"url": fmt.Sprintf("%s/%s/%s", s.cfg.ServiceURL, key, filename),
	})
}

// checkReputation rejects accounts below the configured normalized
// reputation. A profile fetch outage does not block uploads; the
// signature check is the primary defense.
func (s *Server) checkReputation(c echo.Context, username string) error {
	threshold := s.cfg.UploadLimits.Reputation
	if threshold <= 0 {
		return nil
	}

	profile, err := s.chain.GetProfile(c.Request().Context(), username)
	switch {
	case errors.Is(err, hive.ErrNoSuchAccount):
		return apierr.Newf(apierr.Deplorable, "account reputation unavailable")
	case err != nil:
		s.logger.Warn("profile fetch failed, skipping reputation check", "account", username, "error", err)
		return nil
	}

	if profile.Reputation < threshold {
		return apierr.Newf(apierr.Deplorable, "reputation %.1f below required %.1f",
			profile.Reputation, threshold).WithInfo("reputation", profile.Reputation)
	}
	return nil
}

// readMultipartFile extracts the first file part, bounded by max.
func readMultipartFile(r *http.Request, max int64) ([]byte, string, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, "", apierr.Wrap(apierr.FileMissing, "request has no multipart body", err)
	}

	for {
		part, nextErr := reader.NextPart()
		if nextErr == io.EOF {
			break
		}
		if nextErr != nil {
			return nil, "", apierr.Wrap(apierr.FileMissing, "read multipart body", nextErr)
		}
		if part.FileName() == "" {
			continue
		}

		data, readErr := io.ReadAll(io.LimitReader(part, max+1))
		part.Close()
		if readErr != nil {
			return nil, "", apierr.Wrap(apierr.BadRequest, "read file part", readErr)
		}
		if int64(len(data)) > max {
			return nil, "", apierr.Newf(apierr.PayloadTooLarge, "upload exceeds %d bytes", max)
		}
		if len(data) == 0 {
			return nil, "", apierr.New(apierr.FileMissing, "file part is empty")
		}
		return data, sanitizeFilename(part.FileName()), nil
	}
	return nil, "", apierr.New(apierr.FileMissing, "multipart body has no file part")
}

// sanitizeFilename keeps only the base name, defaulting when the
// client sent none.
func sanitizeFilename(name string) string {
	base := path.Base(name)
	if base == "." || base == "/" || base == "" {
		return "image"
	}
	return base
}
