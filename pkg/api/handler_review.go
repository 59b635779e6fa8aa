package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// listReviewCommentsHandler handles GET /api/loops/:id/review-comments.
func (s *Server) listReviewCommentsHandler(c *echo.Context) error {
	comments, err := s.manager.ListReviewComments(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusOK, comments)
}

// addReviewCommentHandler handles POST /api/loops/:id/review-comments.
func (s *Server) addReviewCommentHandler(c *echo.Context) error {
	var req AddReviewCommentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	comment, err := s.manager.AddReviewComment(c.Request().Context(), c.Param("id"), req.Text)
	if err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusCreated, comment)
}

// addressReviewCommentHandler handles POST /api/review-comments/:id/address.
// Addressing bundles every pending comment on the comment's loop into one
// follow-up prompt, so the whole batch flips to addressed together.
func (s *Server) addressReviewCommentHandler(c *echo.Context) error {
	comment, err := s.stores.ReviewComments.GetComment(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.renderError(c, err)
	}
	if err := s.manager.AddressReviewComments(c.Request().Context(), comment.LoopID); err != nil {
		return s.renderError(c, err)
	}
	return s.loopJSON(c, comment.LoopID)
}
