package services

import (
	"errors"

	"github.com/oakline/market-api/internal/repositories"
)

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return false
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsConflict()
	}
	return false
}

func isRepoUnavailable(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsUnavailable()
	}
	return false
}
