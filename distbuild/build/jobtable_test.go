package build_test

import (
	"testing"

	gc "gopkg.in/check.v1"

	"github.com/baserock/distbuild"
	"github.com/baserock/distbuild/artifact"
	"github.com/baserock/distbuild/build"
)

func Test(t *testing.T) { gc.TestingT(t) }

var _ = gc.Suite(new(JobTableTestSuite))

type JobTableTestSuite struct{}

func art(basename string) artifact.Artifact {
	return artifact.Artifact{Basename: basename, Name: basename, Source: artifact.Source{CacheKey: "k-" + basename}}
}

func (s *JobTableTestSuite) TestCreateThenGetAndExists(c *gc.C) {
	t := build.NewJobTable(distbuild.NewIdentifierGenerator("job"), nil)

	c.Assert(t.Exists("a"), gc.Equals, false)
	job := t.Create(art("a"), "I1")
	c.Assert(t.Exists("a"), gc.Equals, true)

	got, ok := t.Get("a")
	c.Assert(ok, gc.Equals, true)
	c.Assert(got, gc.Equals, job)
	c.Assert(job.Initiators(), gc.DeepEquals, []string{"I1"})
}

func (s *JobTableTestSuite) TestRemoveIsIdempotentOnMissingKey(c *gc.C) {
	t := build.NewJobTable(distbuild.NewIdentifierGenerator("job"), nil)
	job := t.Create(art("a"), "I1")
	t.Remove(job)
	c.Assert(t.Exists("a"), gc.Equals, false)

	// removing again must not panic nor resurrect the entry
	t.Remove(job)
	c.Assert(t.Exists("a"), gc.Equals, false)
}

func (s *JobTableTestSuite) TestRemoveManyIsAtomicOverPredicate(c *gc.C) {
	t := build.NewJobTable(distbuild.NewIdentifierGenerator("job"), nil)
	t.Create(art("a"), "I1")
	t.Create(art("b"), "I2")
	t.Create(art("c"), "I1")

	t.RemoveMany(func(j *build.Job) bool { return j.HasInitiator("I1") })

	c.Assert(t.Exists("a"), gc.Equals, false)
	c.Assert(t.Exists("b"), gc.Equals, true)
	c.Assert(t.Exists("c"), gc.Equals, false)
	c.Assert(t.Len(), gc.Equals, 1)
}

func (s *JobTableTestSuite) TestNextQueuedIsLIFOAmongUnassignedJobs(c *gc.C) {
	t := build.NewJobTable(distbuild.NewIdentifierGenerator("job"), nil)
	t.Create(art("a"), "I1")
	t.Create(art("b"), "I1")
	t.Create(art("c"), "I1")

	job, ok := t.NextQueued()
	c.Assert(ok, gc.Equals, true)
	c.Assert(job.Artifact.Basename, gc.Equals, "c")

	job.AssignedWorker = stubWorker{"w1"}

	job2, ok := t.NextQueued()
	c.Assert(ok, gc.Equals, true)
	c.Assert(job2.Artifact.Basename, gc.Equals, "b")
}

func (s *JobTableTestSuite) TestNextQueuedSkipsAssignedJobs(c *gc.C) {
	t := build.NewJobTable(distbuild.NewIdentifierGenerator("job"), nil)
	a := t.Create(art("a"), "I1")
	t.Create(art("b"), "I1")
	a.AssignedWorker = stubWorker{"w1"}

	job, ok := t.NextQueued()
	c.Assert(ok, gc.Equals, true)
	c.Assert(job.Artifact.Basename, gc.Equals, "b")
}

func (s *JobTableTestSuite) TestNextQueuedReportsNoneWhenEmpty(c *gc.C) {
	t := build.NewJobTable(distbuild.NewIdentifierGenerator("job"), nil)
	_, ok := t.NextQueued()
	c.Assert(ok, gc.Equals, false)
}

type stubWorker struct{ name string }

func (w stubWorker) Name() string { return w.name }
