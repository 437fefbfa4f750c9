package ports

import (
	"github.com/gin-gonic/gin"
)

// HTTPHandler registers its routes on a gin router group.
type HTTPHandler interface {
	CreateStream(c *gin.Context)
	GetStream(c *gin.Context)
	ListStreams(c *gin.Context)
	StopStream(c *gin.Context)
	DeleteStream(c *gin.Context)
	UpdateMetadata(c *gin.Context)
	UpdateStatus(c *gin.Context)
	JoinStream(c *gin.Context)
	LeaveStream(c *gin.Context)
	IssueToken(c *gin.Context)
}
