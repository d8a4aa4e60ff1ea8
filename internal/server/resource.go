package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	resourcedomain "github.com/smallbiznis/mercat/internal/resource/domain"
	"github.com/smallbiznis/mercat/pkg/db/option"
	"github.com/smallbiznis/mercat/pkg/db/pagination"
	"github.com/smallbiznis/mercat/pkg/repository"
	"gorm.io/gorm"
)

func (s *Server) GetResource(c *gin.Context) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, resourcedomain.ErrResourceNotFound)
		return
	}
	var res resourcedomain.Resource
	err = s.db.WithContext(c.Request.Context()).First(&res, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		AbortWithError(c, resourcedomain.ErrResourceNotFound)
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type listResourcesRequest struct {
	ProjectID string `form:"project_id"`
	State     string `form:"state"`
	PageToken string `form:"page_token"`
	PageSize  int32  `form:"page_size"`
}

type listResourcesResponse struct {
	pagination.PageInfo
	Resources []resourcedomain.Resource `json:"resources"`
}

func (s *Server) ListResources(c *gin.Context) {
	var req listResourcesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	filter := resourcedomain.Resource{State: resourcedomain.State(strings.TrimSpace(req.State))}
	if projectID := strings.TrimSpace(req.ProjectID); projectID != "" {
		id, err := snowflake.ParseString(projectID)
		if err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
		filter.ProjectID = id
	}

	store := repository.ProvideStore[resourcedomain.Resource](s.db)
	resources, err := store.Find(c.Request.Context(), &filter,
		option.WithSortBy(option.QuerySortBy{Desc: true}),
		option.ApplyPagination(pagination.Pagination{
			PageToken: req.PageToken,
			PageSize:  int(req.PageSize),
		}),
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	info := pagination.BuildCursorPageInfo(resources, pageSize, func(r *resourcedomain.Resource) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{
			ID:        r.ID.String(),
			CreatedAt: r.CreatedAt.Format(time.RFC3339Nano),
		})
		return token
	})
	if len(resources) > int(pageSize) {
		resources = resources[:pageSize]
	}

	resp := listResourcesResponse{PageInfo: *info, Resources: []resourcedomain.Resource{}}
	for _, r := range resources {
		resp.Resources = append(resp.Resources, *r)
	}
	c.JSON(http.StatusOK, resp)
}
