package repository

var NearestLimitForTest = nearestLimit
